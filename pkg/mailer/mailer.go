// Package mailer delivers authorized comprobantes to the buyer: one
// multipart message with the authorized XML and the RIDE PDF attached.
package mailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/invoice"
)

const defaultBody = `Estimado/a {{cliente}},

Adjunto encontrará su comprobante electrónico autorizado por el SRI.

Detalle del comprobante:
- Número: {{numero_factura}}
- Total: ${{total}}

Archivos adjuntos:
- Comprobante XML autorizado
- RIDE (representación impresa) en PDF

Este es un mensaje automático, por favor no responder.`

// Config carries the SMTP transport parameters. Filled from the
// environment by pkg/config.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
	Timeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Port == 0 {
		out.Port = 587
	}
	if out.From == "" {
		out.From = out.Username
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}

// sender is the dial-and-send slice of gomail, split out so tests can
// capture messages without an SMTP server.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer builds and sends comprobante emails. One send failure never
// retries here; the pipeline records it as an observational message.
type Mailer struct {
	cfg      Config
	template string
	send     sender
	log      *slog.Logger
}

type Option func(*Mailer)

// WithTemplate replaces the default body. Placeholders: {{cliente}},
// {{numero_factura}}, {{total}}.
func WithTemplate(tpl string) Option {
	return func(m *Mailer) {
		if strings.TrimSpace(tpl) != "" {
			m.template = tpl
		}
	}
}

// WithSender overrides the SMTP transport.
func WithSender(s sender) Option {
	return func(m *Mailer) { m.send = s }
}

func New(cfg Config, opts ...Option) *Mailer {
	c := cfg.withDefaults()
	d := gomail.NewDialer(c.Host, c.Port, c.Username, c.Password)
	d.SSL = c.UseTLS && c.Port == 465

	m := &Mailer{
		cfg:      c,
		template: defaultBody,
		send:     d,
		log:      slog.Default().With("component", "mailer"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send mails the authorized XML and RIDE to the buyer. The context bounds
// the whole dial-and-send exchange.
func (m *Mailer) Send(ctx context.Context, doc *comprobante.Document, sale invoice.SaleView, pdf []byte) error {
	h := sale.Header()
	if h.BuyerEmail == "" {
		return comprobante.Wrap(comprobante.ErrBadPayload, "buyer has no email address")
	}
	if len(doc.XMLAuthorized) == 0 {
		return comprobante.Wrap(comprobante.ErrBadPayload,
			fmt.Sprintf("document %s has no authorized XML", doc.ID))
	}

	number := doc.Number()
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", h.BuyerEmail)
	msg.SetHeader("Subject", "Comprobante Electrónico - Factura "+number)
	msg.SetBody("text/plain", m.body(h, number))

	msg.Attach(number+".xml",
		gomail.SetCopyFunc(copyBytes(doc.XMLAuthorized)),
		gomail.SetHeader(map[string][]string{"Content-Type": {"application/xml"}}))
	if len(pdf) > 0 {
		msg.Attach(number+".pdf",
			gomail.SetCopyFunc(copyBytes(pdf)),
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}))
	}

	done := make(chan error, 1)
	go func() { done <- m.send.DialAndSend(msg) }()

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send comprobante %s to %s: %w", number, h.BuyerEmail, err)
		}
		m.log.Info("comprobante emailed", "number", number, "to", h.BuyerEmail)
		return nil
	case <-timer.C:
		return fmt.Errorf("smtp send of %s timed out after %s", number, m.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailer) body(h invoice.Header, number string) string {
	name := h.BuyerName
	if name == "" {
		name = "Cliente"
	}
	r := strings.NewReplacer(
		"{{cliente}}", name,
		"{{numero_factura}}", number,
		"{{total}}", h.Total.StringFixed(2),
	)
	return r.Replace(m.template)
}

func copyBytes(data []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}
}
