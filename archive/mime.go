package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func init() {
	// Labels seen in the wild that the IANA index does not resolve.
	charset.RegisterEncoding("ascii", unicode.UTF8)
	charset.RegisterEncoding("cp1252", charmap.Windows1252)
	charset.RegisterEncoding("cp1250", charmap.Windows1250)
	charset.RegisterEncoding("latin1", charmap.ISO8859_1)
	charset.RegisterEncoding("latin-1", charmap.ISO8859_1)
	charset.RegisterEncoding("x-mac-roman", charmap.Macintosh)
}

// maxDepth bounds nested multipart recursion.
const maxDepth = 32

// Attachment is a decoded attachment or inline part.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Headers holds the header fields persisted when the remote envelope lacks
// them.
type Headers struct {
	MessageID string
	Subject   string
	From      string
	ReplyTo   string
	To        string
	Cc        string
	Date      time.Time
}

// Content is a message decomposed into its persisted parts.
type Content struct {
	Headers     Headers
	Text        string
	HTML        string
	Attachments []Attachment
}

// Decompose walks the MIME tree of raw depth-first. text/plain parts are
// concatenated into Text, text/html parts into HTML, and every part with an
// attachment disposition, a file name, or a non-text type becomes an
// Attachment. Unknown charsets are tolerated and passed through undecoded.
func Decompose(raw []byte) (*Content, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	c := &Content{Headers: readHeaders(entity.Header)}
	var text, html []string
	if err := c.walk(entity, 0, &text, &html); err != nil {
		return nil, err
	}

	c.Text = strings.Join(text, "\n\n")
	c.HTML = strings.Join(html, "\n")
	if c.Text == "" && c.HTML != "" {
		c.Text = stripHTML(c.HTML)
	}
	return c, nil
}

// ReadHeaders parses only the header block of raw.
func ReadHeaders(raw []byte) (Headers, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Headers{}, fmt.Errorf("parse header: %w", err)
	}
	return readHeaders(message.Header{Header: h}), nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func (c *Content) walk(e *message.Entity, depth int, text, html *[]string) error {
	if depth > maxDepth {
		return fmt.Errorf("multipart nesting deeper than %d", maxDepth)
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil && (part == nil || !tolerable(err)) {
				return fmt.Errorf("read part: %w", err)
			}
			if err := c.walk(part, depth+1, text, html); err != nil {
				return err
			}
		}
	}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	disposition, dispParams, _ := e.Header.ContentDisposition()
	name := dispParams["filename"]
	if name == "" {
		name = params["name"]
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return fmt.Errorf("read %s body: %w", mediaType, err)
	}

	switch {
	case strings.EqualFold(disposition, "attachment") || name != "":
		c.addAttachment(name, mediaType, body)
	case mediaType == "text/html":
		*html = append(*html, string(body))
	case strings.HasPrefix(mediaType, "text/"):
		*text = append(*text, string(body))
	default:
		c.addAttachment("", mediaType, body)
	}
	return nil
}

func (c *Content) addAttachment(name, mediaType string, data []byte) {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("part-%d", len(c.Attachments)+1)
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			name += exts[0]
		}
	}
	c.Attachments = append(c.Attachments, Attachment{Name: name, ContentType: mediaType, Data: data})
}

func readHeaders(h message.Header) Headers {
	mh := mail.Header{Header: h}
	out := Headers{
		From:    addressList(mh, "From"),
		ReplyTo: addressList(mh, "Reply-To"),
		To:      addressList(mh, "To"),
		Cc:      addressList(mh, "Cc"),
	}
	out.Subject, _ = mh.Subject()
	if id, err := mh.MessageID(); err == nil && id != "" {
		out.MessageID = "<" + id + ">"
	}
	if date, err := mh.Date(); err == nil {
		out.Date = date
	}
	return out
}

func addressList(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		text, _ := h.Text(key)
		return strings.TrimSpace(text)
	}
	return FormatAddresses(addrs)
}

// FormatAddresses renders addresses as "Name <addr>, addr".
func FormatAddresses(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

var htmlDropPattern = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)

func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := htmlDropPattern.ReplaceAllString(html, "")
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
