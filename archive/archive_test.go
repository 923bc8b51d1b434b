package archive

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/trackex/model"
)

var testID = uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	require.NotNil(t, r)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestEncodeDecode(t *testing.T) {
	created := time.Date(2013, 4, 1, 9, 30, 0, 0, time.UTC)
	binary := []byte{0x00, 0xff, 0x10, '\r', '\n', 0x80}

	in := &model.TrackedMessage{
		ID: testID,
		Context: model.Properties{
			model.FileCreationTime: created,
			model.ReceivedFileName: `C:\drop\in\order.xml`,
		},
		Parts: []model.Part{
			{Name: "body", Data: strings.NewReader("<order/>")},
			{Name: "attachment", Data: bytes.NewReader(binary), Context: model.Properties{
				model.ReceivedFileName: "scan.pdf",
			}},
			{Name: "empty"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))

	out, err := Decode(buf.Bytes(), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, testID, out.ID)
	v, ok := out.Context.Lookup(model.FileCreationTime)
	require.True(t, ok)
	assert.True(t, created.Equal(v.(time.Time)))
	name, ok := out.Context.String(model.ReceivedFileName)
	require.True(t, ok)
	assert.Equal(t, `C:\drop\in\order.xml`, name)

	require.Len(t, out.Parts, 3)
	assert.Equal(t, "body", out.Parts[0].Name)
	assert.Equal(t, "<order/>", string(readAll(t, out.Parts[0].Data)))

	assert.Equal(t, "attachment", out.Parts[1].Name)
	assert.Equal(t, binary, readAll(t, out.Parts[1].Data))
	hint, ok := out.Parts[1].Context.String(model.ReceivedFileName)
	require.True(t, ok)
	assert.Equal(t, "scan.pdf", hint)

	assert.Equal(t, "empty", out.Parts[2].Name)
	assert.Nil(t, out.Parts[2].Data)
}

func TestDecode_ReceivedAtFallbacks(t *testing.T) {
	raw := "Message-Id: <aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>\r\n" +
		"Date: Mon, 01 Apr 2013 09:30:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello\r\n"

	msg, err := Decode([]byte(raw), time.Time{})
	require.NoError(t, err)
	v, ok := msg.Context.Lookup(model.AdapterReceiveCompleteTime)
	require.True(t, ok)
	assert.True(t, time.Date(2013, 4, 1, 9, 30, 0, 0, time.UTC).Equal(v.(time.Time)))

	internal := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	msg, err = Decode([]byte(raw), internal)
	require.NoError(t, err)
	v, _ = msg.Context.Lookup(model.AdapterReceiveCompleteTime)
	assert.True(t, internal.Equal(v.(time.Time)))

	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "Part0", msg.Parts[0].Name)
	assert.Equal(t, "hello\r\n", string(readAll(t, msg.Parts[0].Data)))
}

func TestDecode_DispositionFilename(t *testing.T) {
	raw := "X-Tracked-Message-Id: aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee\r\n" +
		"Content-Type: multipart/mixed; boundary=b1\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.edi\"\r\n" +
		"\r\n" +
		"UNB+UNOA\r\n" +
		"--b1--\r\n"

	msg, err := Decode([]byte(raw), time.Time{})
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	hint, ok := msg.Parts[0].Context.String(model.ReceivedFileName)
	require.True(t, ok)
	assert.Equal(t, "invoice.edi", hint)
}

func TestDecode_UnknownCharsetKeepsBytes(t *testing.T) {
	raw := "Message-Id: <aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>\r\n" +
		"Content-Type: text/plain; charset=x-unknown-charset\r\n" +
		"\r\n" +
		"caf\xe9"

	msg, err := Decode([]byte(raw), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "caf\xe9", string(readAll(t, msg.Parts[0].Data)))
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("Subject: none\r\n\r\nbody"), time.Time{})
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Decode([]byte("Message-Id: <not-a-guid@example.com>\r\n\r\nbody"), time.Time{})
	assert.Error(t, err)

	_, err = Decode([]byte("Message-Id: <aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>\r\nX-Context-Property: {broken\r\n\r\nbody"), time.Time{})
	assert.Error(t, err)
}
