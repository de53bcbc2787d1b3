package address

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		null    bool
		wantErr error
	}{
		{in: "<user@example.com>", want: "user@example.com"},
		{in: "user@Example.COM", want: "user@example.com"},
		{in: "<@relay.example,@hop.example:user@example.com>", want: "user@example.com"},
		{in: "<>", null: true},
		{in: "< >", null: true},
		{in: `<"john doe"@example.com>`, want: `"john doe"@example.com`},
		{in: "<user@[192.0.2.1]>", want: "user@[192.0.2.1]"},
		{in: "<user@bücher.example>", want: "user@xn--bcher-kva.example"},
		{in: "<postmaster>", want: "postmaster"},
		{in: "<user@example.com", wantErr: ErrSyntax},
		{in: "<@relay.example user@example.com>", wantErr: ErrSyntax},
		{in: "<user@>", wantErr: ErrSyntax},
		{in: "<.user@example.com>", wantErr: ErrSyntax},
		{in: "<" + strings.Repeat("a", 65) + "@example.com>", wantErr: ErrTooLong},
		{in: "<" + strings.Repeat("a", 300) + ">", wantErr: ErrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParsePath(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.null, a.Null)
			assert.Equal(t, tt.want, a.String())
		})
	}
}

func TestAddressPath(t *testing.T) {
	assert.Equal(t, "<>", Address{Null: true}.Path())
	assert.Equal(t, "<a@b.example>", Address{Local: "a", Domain: "b.example"}.Path())
	assert.True(t, Address{Local: "a", Domain: "B.example"}.Equal(Address{Local: "a", Domain: "b.example"}))
}

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p := NewParser("example.com")
	require.NoError(t, p.LoadUsers(strings.NewReader("# users\nalice:Alice Liddell\nbob\ncarol:Carol\n")))
	require.NoError(t, p.LoadAliases(strings.NewReader(
		"staff: alice, bob@example.com,\n" +
			"\tteam\n" +
			"team: carol, outside@other.example\n" +
			"loop1: loop2\n" +
			"loop2: loop1\n" +
			"dup: alice, alice\n")))
	return p
}

func TestParserParse(t *testing.T) {
	p := newTestParser(t)
	ctx := context.Background()

	a, err := p.Parse(ctx, "<>", RoleSender)
	require.NoError(t, err)
	assert.True(t, a.Null)

	_, err = p.Parse(ctx, "<>", RoleRecipient)
	assert.ErrorIs(t, err, ErrNullAddress)

	a, err = p.Parse(ctx, "<alice@example.com>", RoleRecipient)
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", a.FullName)

	_, err = p.Parse(ctx, "<nobody@example.com>", RoleRecipient)
	assert.ErrorIs(t, err, ErrUnknownUser)

	// Unknown senders and remote recipients are not checked.
	_, err = p.Parse(ctx, "<nobody@example.com>", RoleSender)
	assert.NoError(t, err)
	_, err = p.Parse(ctx, "<nobody@elsewhere.example>", RoleRecipient)
	assert.NoError(t, err)

	_, err = p.Parse(ctx, "<staff@example.com>", RoleRecipient)
	assert.NoError(t, err)

	a, err = p.Parse(ctx, "<Postmaster>", RoleRecipient)
	require.NoError(t, err)
	assert.Equal(t, "Postmaster", a.Local)

	_, err = p.Parse(ctx, "<alice>", RoleRecipient)
	assert.ErrorIs(t, err, ErrSyntax)

	p.DefaultDomain = "example.com"
	a, err = p.Parse(ctx, "<alice>", RoleRecipient)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", a.String())
}

func TestParserZeroValueAcceptsAll(t *testing.T) {
	var p Parser
	a, err := p.Parse(context.Background(), "<anyone@anywhere.example>", RoleRecipient)
	require.NoError(t, err)
	assert.Equal(t, "anyone@anywhere.example", a.String())
}

func TestParserExpand(t *testing.T) {
	p := newTestParser(t)
	ctx := context.Background()

	list, err := p.Expand(ctx, Address{Local: "staff", Domain: "example.com"})
	require.NoError(t, err)
	var got []string
	for _, a := range list {
		got = append(got, a.String())
	}
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com", "outside@other.example"}, got)
	assert.Equal(t, "Alice Liddell", list[0].FullName)

	list, err = p.Expand(ctx, Address{Local: "dup", Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// A cycle terminates through the seen set rather than the depth limit.
	list, err = p.Expand(ctx, Address{Local: "loop1", Domain: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = p.Expand(ctx, Address{Local: "ghost", Domain: "example.com"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestParserExpandDepth(t *testing.T) {
	p := NewParser("example.com")
	for i := 0; i < maxAliasDepth+2; i++ {
		p.AddAlias("a"+string(rune('a'+i)), "a"+string(rune('a'+i+1)))
	}
	_, err := p.Expand(context.Background(), Address{Local: "aa", Domain: "example.com"})
	assert.ErrorIs(t, err, ErrAliasLoop)
}

func TestLoadAliasesErrors(t *testing.T) {
	p := NewParser()
	assert.ErrorIs(t, p.LoadAliases(strings.NewReader("no-colon-here\n")), ErrSyntax)
}
