// Package archive converts between tracked messages and the RFC 5322 form
// they take when a tracking store is exported to an mbox file or an IMAP
// folder.
//
// An archived message is a multipart/mixed entity. The tracked identifier is
// carried in X-Tracked-Message-Id (falling back to Message-Id). Each context
// property is one X-Context-Property header holding a JSON object. Every
// MIME part is one message part; X-Part-Name names it and X-Part-Payload:
// none marks a part without payload.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/dhcgn/trackex/model"
)

const (
	HeaderMessageID = "X-Tracked-Message-Id"
	HeaderProperty  = "X-Context-Property"
	HeaderPartName  = "X-Part-Name"
	HeaderPayload   = "X-Part-Payload"
)

var ErrMissingID = errors.New("archived message has no tracked message id")

type property struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value"`
}

// Decode parses one archived message. receivedAt, when set, becomes the
// AdapterReceiveCompleteTime unless the archive already carries one; the Date
// header is used otherwise.
func Decode(raw []byte, receivedAt time.Time) (*model.TrackedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("parse archived message: %w", err)
	}

	id, err := MessageID(entity.Header)
	if err != nil {
		return nil, err
	}

	ctx, err := properties(entity.Header)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Lookup(model.AdapterReceiveCompleteTime); !ok {
		if receivedAt.IsZero() {
			if date := entity.Header.Get("Date"); date != "" {
				if t, err := mail.ParseDate(date); err == nil {
					receivedAt = t
				}
			}
		}
		if !receivedAt.IsZero() {
			ctx[model.AdapterReceiveCompleteTime] = receivedAt
		}
	}

	msg := &model.TrackedMessage{ID: id, Context: ctx}

	mr := entity.MultipartReader()
	if mr == nil {
		// A single-part message has one header block; it belongs to the
		// message, not the part.
		part, err := decodePart(entity, 0, false)
		if err != nil {
			return nil, err
		}
		if _, params, err := entity.Header.ContentDisposition(); err == nil && params["filename"] != "" {
			if _, ok := ctx.Lookup(model.ReceivedFileName); !ok {
				ctx[model.ReceivedFileName] = params["filename"]
			}
		}
		msg.Parts = append(msg.Parts, part)
		return msg, nil
	}
	defer mr.Close()

	for idx := 0; ; idx++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !tolerable(err) {
			return nil, fmt.Errorf("part %d: %w", idx, err)
		}
		part, err := decodePart(p, idx, true)
		if err != nil {
			return nil, err
		}
		msg.Parts = append(msg.Parts, part)
	}

	return msg, nil
}

// MessageID extracts the tracked identifier from archive headers.
func MessageID(h message.Header) (uuid.UUID, error) {
	text := strings.TrimSpace(h.Get(HeaderMessageID))
	if text == "" {
		text = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if text == "" {
		return uuid.Nil, ErrMissingID
	}
	id, err := uuid.Parse(text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("archived message id %q: %w", text, err)
	}
	return id, nil
}

func decodePart(e *message.Entity, idx int, ownHeader bool) (model.Part, error) {
	ctx := model.Properties{}
	name := strings.TrimSpace(e.Header.Get(HeaderPartName))
	if ownHeader {
		var err error
		if ctx, err = properties(e.Header); err != nil {
			return model.Part{}, fmt.Errorf("part %d: %w", idx, err)
		}
		_, params, _ := e.Header.ContentDisposition()
		if name == "" {
			name = params["name"]
		}
		if filename := params["filename"]; filename != "" {
			if _, ok := ctx.Lookup(model.ReceivedFileName); !ok {
				ctx[model.ReceivedFileName] = filename
			}
		}
	}
	if name == "" {
		name = fmt.Sprintf("Part%d", idx)
	}

	part := model.Part{Name: name, Context: ctx}
	if strings.EqualFold(strings.TrimSpace(e.Header.Get(HeaderPayload)), "none") {
		return part, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return model.Part{}, fmt.Errorf("part %d body: %w", idx, err)
	}
	part.Data = bytes.NewReader(body)
	return part, nil
}

func properties(h message.Header) (model.Properties, error) {
	props := model.Properties{}
	fields := h.FieldsByKey(HeaderProperty)
	for fields.Next() {
		raw := fields.Value()
		var p property
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("context property %q: %w", raw, err)
		}
		value, err := p.decode()
		if err != nil {
			return nil, err
		}
		props[model.Property{Name: p.Name, Namespace: p.Namespace}] = value
	}
	return props, nil
}

func (p property) decode() (any, error) {
	switch p.Type {
	case "", "string":
		return p.Value, nil
	case "datetime":
		t, err := time.Parse(time.RFC3339Nano, p.Value)
		if err != nil {
			return nil, fmt.Errorf("context property %s#%s: %w", p.Namespace, p.Name, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("context property %s#%s: unknown type %q", p.Namespace, p.Name, p.Type)
	}
}

// tolerable reports parse errors that leave the payload intact. Charsets are
// never converted, so unknown ones keep their original bytes.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// Encode writes msg in archive form. Part payloads are consumed.
func Encode(w io.Writer, msg *model.TrackedMessage) error {
	var h message.Header
	h.SetContentType("multipart/mixed", nil)
	h.Set("Message-Id", "<"+msg.ID.String()+">")
	h.Set(HeaderMessageID, msg.ID.String())
	if err := addProperties(&h, msg.Context); err != nil {
		return err
	}

	mw, err := message.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create archive writer: %w", err)
	}

	for idx, part := range msg.Parts {
		var ph message.Header
		ph.SetContentType("application/octet-stream", nil)
		ph.Set("Content-Transfer-Encoding", "base64")
		ph.Set(HeaderPartName, part.Name)
		if part.Data == nil {
			ph.Set(HeaderPayload, "none")
		}
		if err := addProperties(&ph, part.Context); err != nil {
			return err
		}

		pw, err := mw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create part %d: %w", idx, err)
		}
		if part.Data != nil {
			if _, err := io.Copy(pw, part.Data); err != nil {
				_ = pw.Close()
				return fmt.Errorf("write part %d: %w", idx, err)
			}
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("close part %d: %w", idx, err)
		}
	}

	return mw.Close()
}

func addProperties(h *message.Header, props model.Properties) error {
	for key, value := range props {
		p := property{Name: key.Name, Namespace: key.Namespace}
		switch v := value.(type) {
		case string:
			p.Value = v
		case time.Time:
			p.Type = "datetime"
			p.Value = v.Format(time.RFC3339Nano)
		default:
			p.Value = fmt.Sprint(v)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode context property %s: %w", key, err)
		}
		h.Add(HeaderProperty, string(data))
	}
	return nil
}
