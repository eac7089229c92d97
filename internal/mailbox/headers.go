package mailbox

import (
	"bytes"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseHeaders decodes the Subject and From headers of a raw message.
// Undecodable values fall back to the raw header text.
func ParseHeaders(raw []byte) (subject, sender string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	defer mr.Close()

	subject, err = mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return subject, mr.Header.Get("From")
	}

	return subject, FormatAddress(from[0].Name, from[0].Address)
}

// FormatAddress renders a sender as "Name <addr>", or just addr.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	if addr == "" {
		return name
	}
	return name + " <" + addr + ">"
}
