package queue

import (
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/synqronlabs/heron"
)

// Recipient is one envelope recipient as stored in the spool.
type Recipient struct {
	Addr   string
	Notify uint8
	ORcpt  string
	// Done is set once the recipient was delivered or bounced.
	Done bool
}

// Record is the control file of a spooled message.
type Record struct {
	ID           string
	Sender       string
	Recipients   []Recipient
	Size         int64
	Body         string
	EnvelopeID   string
	Return       string
	AuthParam    string
	Submission   bool
	PeerName     string
	HeloName     string
	Protocol     string
	AuthIdentity string
	ReceivedAt   time.Time
	Attempts     int
	NextAttempt  time.Time
	LastError    string
}

// newRecord captures env for the spool.
func newRecord(id string, env *heron.Envelope) Record {
	rec := Record{
		ID:           id,
		Size:         env.Size,
		Body:         env.Body.String(),
		EnvelopeID:   env.EnvelopeID,
		Return:       env.Return.String(),
		AuthParam:    env.AuthParam,
		Submission:   env.Flags&heron.FlagSubmission != 0,
		PeerName:     env.Client.PeerName,
		HeloName:     env.Client.HeloName,
		Protocol:     env.Client.Protocol,
		AuthIdentity: env.Client.AuthIdentity,
		ReceivedAt:   env.ReceivedAt,
	}
	if env.Sender != nil {
		rec.Sender = env.Sender.String()
	}
	for _, r := range env.Recipients {
		rec.Recipients = append(rec.Recipients, Recipient{
			Addr:   r.Address.String(),
			Notify: uint8(r.Notify),
			ORcpt:  r.ORcpt,
			Done:   r.Done(),
		})
	}
	return rec
}

// Pending lists the recipients not yet delivered.
func (r *Record) Pending() []string {
	var out []string
	for _, rcpt := range r.Recipients {
		if !rcpt.Done {
			out = append(out, rcpt.Addr)
		}
	}
	return out
}

const recordFields = 17

// MarshalMsg implements msgp.Marshaler.
func (r *Record) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, recordFields)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, r.ID)
	b = msgp.AppendString(b, "from")
	b = msgp.AppendString(b, r.Sender)
	b = msgp.AppendString(b, "rcpt")
	b = msgp.AppendArrayHeader(b, uint32(len(r.Recipients)))
	for _, rcpt := range r.Recipients {
		b = msgp.AppendArrayHeader(b, 4)
		b = msgp.AppendString(b, rcpt.Addr)
		b = msgp.AppendUint8(b, rcpt.Notify)
		b = msgp.AppendString(b, rcpt.ORcpt)
		b = msgp.AppendBool(b, rcpt.Done)
	}
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, r.Size)
	b = msgp.AppendString(b, "body")
	b = msgp.AppendString(b, r.Body)
	b = msgp.AppendString(b, "envid")
	b = msgp.AppendString(b, r.EnvelopeID)
	b = msgp.AppendString(b, "ret")
	b = msgp.AppendString(b, r.Return)
	b = msgp.AppendString(b, "auth")
	b = msgp.AppendString(b, r.AuthParam)
	b = msgp.AppendString(b, "xusr")
	b = msgp.AppendBool(b, r.Submission)
	b = msgp.AppendString(b, "peer")
	b = msgp.AppendString(b, r.PeerName)
	b = msgp.AppendString(b, "helo")
	b = msgp.AppendString(b, r.HeloName)
	b = msgp.AppendString(b, "proto")
	b = msgp.AppendString(b, r.Protocol)
	b = msgp.AppendString(b, "authid")
	b = msgp.AppendString(b, r.AuthIdentity)
	b = msgp.AppendString(b, "recv")
	b = msgp.AppendTime(b, r.ReceivedAt)
	b = msgp.AppendString(b, "tries")
	b = msgp.AppendInt(b, r.Attempts)
	b = msgp.AppendString(b, "next")
	b = msgp.AppendTime(b, r.NextAttempt)
	b = msgp.AppendString(b, "err")
	b = msgp.AppendString(b, r.LastError)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown keys are skipped.
func (r *Record) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for range n {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "id":
			r.ID, b, err = msgp.ReadStringBytes(b)
		case "from":
			r.Sender, b, err = msgp.ReadStringBytes(b)
		case "rcpt":
			b, err = r.unmarshalRecipients(b)
		case "size":
			r.Size, b, err = msgp.ReadInt64Bytes(b)
		case "body":
			r.Body, b, err = msgp.ReadStringBytes(b)
		case "envid":
			r.EnvelopeID, b, err = msgp.ReadStringBytes(b)
		case "ret":
			r.Return, b, err = msgp.ReadStringBytes(b)
		case "auth":
			r.AuthParam, b, err = msgp.ReadStringBytes(b)
		case "xusr":
			r.Submission, b, err = msgp.ReadBoolBytes(b)
		case "peer":
			r.PeerName, b, err = msgp.ReadStringBytes(b)
		case "helo":
			r.HeloName, b, err = msgp.ReadStringBytes(b)
		case "proto":
			r.Protocol, b, err = msgp.ReadStringBytes(b)
		case "authid":
			r.AuthIdentity, b, err = msgp.ReadStringBytes(b)
		case "recv":
			r.ReceivedAt, b, err = msgp.ReadTimeBytes(b)
		case "tries":
			r.Attempts, b, err = msgp.ReadIntBytes(b)
		case "next":
			r.NextAttempt, b, err = msgp.ReadTimeBytes(b)
		case "err":
			r.LastError, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, fmt.Errorf("queue: field %s: %w", key, err)
		}
	}
	return b, nil
}

func (r *Record) unmarshalRecipients(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	r.Recipients = make([]Recipient, 0, n)
	for range n {
		var fields uint32
		fields, b, err = msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return b, err
		}
		if fields != 4 {
			return b, fmt.Errorf("recipient has %d fields", fields)
		}
		var rcpt Recipient
		if rcpt.Addr, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		if rcpt.Notify, b, err = msgp.ReadUint8Bytes(b); err != nil {
			return b, err
		}
		if rcpt.ORcpt, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		if rcpt.Done, b, err = msgp.ReadBoolBytes(b); err != nil {
			return b, err
		}
		r.Recipients = append(r.Recipients, rcpt)
	}
	return b, nil
}
