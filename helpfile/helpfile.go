// Package helpfile reads sendmail-format help files for the SMTP HELP
// command.
//
// Each line is "topic<TAB>text". Lines starting with '#' are comments,
// except "#vers N" which declares the format version. From version 2 on,
// $x and ${name} macros in the text are expanded.
package helpfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const versionPrefix = "#vers"

type entry struct {
	topic string
	text  string
}

// File is a parsed help file.
type File struct {
	entries []entry
	version int
	// Macros supplies values for $x and ${name} references.
	Macros map[string]string
}

// Open reads the help file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load parses a help file.
func Load(r io.Reader) (*File, error) {
	hf := &File{version: -1, Macros: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "#") {
			if hf.version < 0 && strings.HasPrefix(line, versionPrefix) {
				if v, err := strconv.Atoi(strings.TrimSpace(line[len(versionPrefix):])); err == nil {
					hf.version = v
				}
			}
			continue
		}
		if line == "" {
			continue
		}
		topic, text, found := strings.Cut(line, "\t")
		if !found {
			topic, text, _ = strings.Cut(line, " ")
		}
		hf.entries = append(hf.entries, entry{topic: topic, text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("helpfile: %w", err)
	}
	return hf, nil
}

// Version is the declared format version, or -1 when absent.
func (f *File) Version() int { return f.version }

// Lookup returns the text of every line whose topic starts with topic.
func (f *File) Lookup(topic string) ([]string, bool) {
	topic = strings.ToLower(topic)
	var out []string
	for _, e := range f.entries {
		if strings.HasPrefix(e.topic, topic) {
			text := e.text
			if f.version >= 2 {
				text = f.expand(text)
			}
			out = append(out, text)
		}
	}
	return out, len(out) > 0
}

// expand replaces $x and ${name} with their macro values; unknown macros
// expand to nothing and "$$" yields a literal dollar.
func (f *File) expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch {
		case s[i] == '$':
			b.WriteByte('$')
		case s[i] == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteString(s[i-1:])
				return b.String()
			}
			b.WriteString(f.Macros[s[i+1:i+end]])
			i += end
		default:
			b.WriteString(f.Macros[s[i:i+1]])
		}
	}
	return b.String()
}
