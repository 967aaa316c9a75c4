// Package pipeline drives a document through the SRI state machine:
// PENDING -> XML_BUILT -> VALIDATED -> SIGNED -> RECEIVED -> AUTHORIZED,
// with RETURNED and FAILED as the terminal failure states. Every
// transition is persisted before the next stage runs, so a crashed run is
// resumed by calling Process again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/invoice"
	"github.com/repuestocontrol/sri/pkg/sequence"
	"github.com/repuestocontrol/sri/pkg/soap"
	"github.com/repuestocontrol/sri/pkg/store"
	"github.com/repuestocontrol/sri/pkg/xades"
	"github.com/repuestocontrol/sri/pkg/xsd"
)

// SRIClient is the slice of the SOAP client the orchestrator needs.
type SRIClient interface {
	Submit(ctx context.Context, signedXML []byte) (*soap.ReceptionResult, error)
	Authorize(ctx context.Context, accessKey string) (*soap.AuthorizationResult, error)
	PollAuthorization(ctx context.Context, accessKey string) (*soap.AuthorizationResult, error)
	AuthorizeBatch(ctx context.Context, accessKeys []string) (map[string]*soap.AuthorizationResult, error)
}

// SaleSource resolves a sale reference to its line items and header.
type SaleSource interface {
	Sale(ctx context.Context, saleRef string) (invoice.SaleView, error)
}

// Renderer produces the RIDE PDF for an authorized document.
type Renderer interface {
	Render(doc *comprobante.Document, sale invoice.SaleView) ([]byte, error)
}

// Mailer delivers the authorized XML and RIDE to the buyer.
type Mailer interface {
	Send(ctx context.Context, doc *comprobante.Document, sale invoice.SaleView, pdf []byte) error
}

// Archiver stores authorized artifacts under the document's access key.
type Archiver interface {
	Store(ctx context.Context, accessKey, name string, data []byte) error
}

// CredentialLoader opens the signing credential for one run.
type CredentialLoader func(ctx context.Context) (*xades.Credential, error)

// Pipeline orchestrates one emitter's documents. It is safe for
// concurrent use; per-document state lives in the store, and the signing
// credential is loaded fresh for every run.
type Pipeline struct {
	store     *store.DocumentStore
	alloc     *sequence.Allocator
	builder   *invoice.Builder
	validator *xsd.Validator
	cfg       *comprobante.EmitterConfig
	sri       SRIClient
	sales     SaleSource

	renderer Renderer
	mailer   Mailer
	archiver Archiver

	credentials CredentialLoader
	deadline    time.Duration
	log         *slog.Logger
	metrics     *metrics
}

type Option func(*Pipeline)

// WithValidator replaces the default structural-only validator.
func WithValidator(v *xsd.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithRenderer enables RIDE generation after authorization.
func WithRenderer(r Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// WithMailer enables email delivery after authorization.
func WithMailer(m Mailer) Option {
	return func(p *Pipeline) { p.mailer = m }
}

// WithArchiver enables artifact archival after authorization.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// WithCredentialLoader overrides how the signing credential is obtained.
func WithCredentialLoader(l CredentialLoader) Option {
	return func(p *Pipeline) { p.credentials = l }
}

// WithDeadline bounds one Process call. On expiry the document stays in
// its last persisted state.
func WithDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.deadline = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func New(st *store.DocumentStore, alloc *sequence.Allocator, cfg *comprobante.EmitterConfig,
	sri SRIClient, sales SaleSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		alloc:   alloc,
		builder: invoice.NewBuilder(cfg),
		cfg:     cfg,
		sri:     sri,
		sales:   sales,
		log:     slog.Default().With("component", "pipeline"),
		metrics: newMetrics(),
	}
	p.credentials = func(context.Context) (*xades.Credential, error) {
		return xades.LoadCredential(cfg.CertificatePath, cfg.CertificatePassword, time.Now())
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		p.validator, _ = xsd.NewValidator("")
	}
	return p
}

// CreateFromSale opens a PENDING document for a committed sale. The
// sequential and access key are allocated later, by the build stage.
func (p *Pipeline) CreateFromSale(ctx context.Context, saleRef string) (*comprobante.Document, error) {
	sale, err := p.sales.Sale(ctx, saleRef)
	if err != nil {
		return nil, fmt.Errorf("resolve sale %s: %w", saleRef, err)
	}
	doc := comprobante.NewDocument(saleRef, comprobante.DocTypeInvoice,
		p.cfg.Environment, p.cfg.EmissionMode, sale.Header().IssuedAt)
	doc.EmitterCode = p.cfg.EmitterCode
	doc.EmissionPoint = p.cfg.EmissionPoint
	if err := p.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Process advances the document until it reaches a terminal state or a
// retryable error stops the run. Calling it on an AUTHORIZED document is
// a no-op; calling it on RETURNED or FAILED is a state violation.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	doc, err := p.store.Get(ctx, documentID)
	if err != nil {
		return err
	}
	return p.run(ctx, doc)
}

// Reprocess resumes a document like Process, but on an AUTHORIZED
// document it regenerates the observational artifacts instead of being a
// no-op.
func (p *Pipeline) Reprocess(ctx context.Context, documentID string) error {
	doc, err := p.store.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.State == comprobante.StateAuthorized {
		p.emitArtifacts(ctx, doc)
		return nil
	}
	return p.run(ctx, doc)
}

// Poll performs a single authorization lookup for a RECEIVED document
// and applies the outcome.
func (p *Pipeline) Poll(ctx context.Context, documentID string) (*soap.AuthorizationResult, error) {
	doc, err := p.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.State != comprobante.StateReceived {
		return nil, comprobante.Wrap(comprobante.ErrStateViolation,
			fmt.Sprintf("document %s is %s, not RECEIVED", doc.ID, doc.State))
	}
	res, err := p.sri.Authorize(ctx, doc.AccessKey)
	if err != nil {
		return res, err
	}
	if !res.Terminal() {
		return res, comprobante.Wrap(comprobante.ErrAuthorizationPending, doc.AccessKey)
	}
	if err := p.applyAuthorization(ctx, doc, res); err != nil {
		return res, err
	}
	if doc.State == comprobante.StateAuthorized {
		p.emitArtifacts(ctx, doc)
	}
	return res, nil
}

// PollBatch checks every RECEIVED document in one lote query and applies
// the terminal outcomes. Documents the SRI still reports in process are
// left untouched. Returns the number of documents that reached a terminal
// state.
func (p *Pipeline) PollBatch(ctx context.Context, limit int) (int, error) {
	docs, err := p.store.ListByState(ctx, comprobante.StateReceived, limit)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.AccessKey
	}
	results, err := p.sri.AuthorizeBatch(ctx, keys)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, doc := range docs {
		res := results[doc.AccessKey]
		if res == nil || !res.Terminal() {
			continue
		}
		if err := p.applyAuthorization(ctx, doc, res); err != nil &&
			!errors.Is(err, comprobante.ErrSRIAuthorization) {
			return done, err
		}
		if doc.State == comprobante.StateAuthorized {
			p.emitArtifacts(ctx, doc)
		}
		done++
	}
	p.log.Info("batch authorization applied", "queried", len(docs), "terminal", done)
	return done, nil
}

// ResetSequence sets the next sequential for a counter. Administrative.
func (p *Pipeline) ResetSequence(ctx context.Context, key sequence.Key, next uint32) error {
	return p.alloc.Reset(ctx, key, next)
}

func (p *Pipeline) run(ctx context.Context, doc *comprobante.Document) error {
	if doc.State == comprobante.StateAuthorized {
		p.log.Info("document already authorized", "id", doc.ID, "access_key", doc.AccessKey)
		return nil
	}
	if doc.State.Terminal() {
		return comprobante.Wrap(comprobante.ErrStateViolation,
			fmt.Sprintf("document %s is %s", doc.ID, doc.State))
	}

	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	for !doc.State.Terminal() {
		if err := ctx.Err(); err != nil {
			p.log.Warn("run interrupted", "id", doc.ID, "state", doc.State, "error", err)
			return err
		}

		stage, fn := p.stageFor(doc.State)
		if fn == nil {
			return comprobante.Wrap(comprobante.ErrStateViolation,
				fmt.Sprintf("no stage for state %s", doc.State))
		}

		start := time.Now()
		err := fn(ctx, doc)
		p.metrics.recordStage(ctx, stage, start, err, comprobante.CodeOf(err))
		if err != nil {
			if doc.State.Terminal() {
				p.metrics.recordFinal(ctx, string(doc.State))
			}
			return err
		}
	}

	p.metrics.recordFinal(ctx, string(doc.State))
	if doc.State == comprobante.StateAuthorized {
		p.emitArtifacts(ctx, doc)
	}
	return nil
}

type stageFunc func(context.Context, *comprobante.Document) error

func (p *Pipeline) stageFor(s comprobante.State) (string, stageFunc) {
	switch s {
	case comprobante.StatePending:
		return "build", p.stageBuild
	case comprobante.StateXMLBuilt:
		return "validate", p.stageValidate
	case comprobante.StateValidated:
		return "sign", p.stageSign
	case comprobante.StateSigned:
		return "submit", p.stageSubmit
	case comprobante.StateReceived:
		return "poll", p.stagePoll
	}
	return string(s), nil
}

// stageBuild allocates the sequential (once) and renders the unsigned
// XML. Rebuilding an existing document reuses the recorded sequential and
// numeric code, so the access key is stable across runs.
func (p *Pipeline) stageBuild(ctx context.Context, doc *comprobante.Document) error {
	sale, err := p.sales.Sale(ctx, doc.SaleRef)
	if err != nil {
		return p.fail(ctx, doc, fmt.Errorf("resolve sale %s: %w", doc.SaleRef, err))
	}

	if doc.Sequential == 0 {
		seq, err := p.alloc.Next(ctx, sequence.Key{
			EmitterCode:   doc.EmitterCode,
			EmissionPoint: doc.EmissionPoint,
			DocType:       doc.DocType,
		})
		if err != nil {
			return p.fail(ctx, doc, err)
		}
		doc.Sequential = seq
	}

	res, err := p.builder.BuildInvoice(sale, doc.Sequential, doc.NumericCode)
	if err != nil {
		return p.fail(ctx, doc, err)
	}

	doc.AccessKey = res.AccessKey
	doc.NumericCode = res.NumericCode
	doc.XMLUnsigned = res.XML
	doc.State = comprobante.StateXMLBuilt
	p.log.Info("xml built", "id", doc.ID, "number", res.Number, "access_key", res.AccessKey)
	return p.store.Update(ctx, doc)
}

// stageValidate checks the XML against the schema. Failures are warnings
// in the test environment and fatal in production.
func (p *Pipeline) stageValidate(ctx context.Context, doc *comprobante.Document) error {
	res := p.validator.Validate(doc.XMLUnsigned, doc.DocType)
	if !res.OK {
		if doc.Environment == comprobante.EnvProduction {
			for _, e := range res.Errors {
				doc.Append(comprobante.SeverityError, comprobante.ErrValidationFailed.Code, e, "")
			}
			return p.fail(ctx, doc, comprobante.Wrap(comprobante.ErrValidationFailed, doc.AccessKey))
		}
		for _, e := range res.Errors {
			doc.Append(comprobante.SeverityWarning, comprobante.ErrValidationFailed.Code, e, "")
		}
		p.log.Warn("schema validation failed, continuing in test environment",
			"id", doc.ID, "errors", len(res.Errors))
	}
	doc.State = comprobante.StateValidated
	return p.store.Update(ctx, doc)
}

func (p *Pipeline) stageSign(ctx context.Context, doc *comprobante.Document) error {
	cred, err := p.credentials(ctx)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	signed, err := xades.NewSigner(cred).Sign(doc.XMLUnsigned)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	doc.XMLSigned = signed
	doc.State = comprobante.StateSigned
	return p.store.Update(ctx, doc)
}

func (p *Pipeline) stageSubmit(ctx context.Context, doc *comprobante.Document) error {
	rec, err := p.sri.Submit(ctx, doc.XMLSigned)
	if err != nil {
		if comprobante.Retryable(err) {
			return p.stall(ctx, doc, err)
		}
		return p.returned(ctx, doc, nil, err)
	}
	if rec.Returned() {
		return p.returned(ctx, doc, rec.Messages,
			comprobante.Wrap(comprobante.ErrSRIReception, doc.AccessKey))
	}
	doc.Messages = append(doc.Messages, rec.Messages...)
	doc.State = comprobante.StateReceived
	p.log.Info("comprobante received", "id", doc.ID, "access_key", doc.AccessKey)
	return p.store.Update(ctx, doc)
}

func (p *Pipeline) stagePoll(ctx context.Context, doc *comprobante.Document) error {
	res, err := p.sri.PollAuthorization(ctx, doc.AccessKey)
	if err != nil {
		if comprobante.Retryable(err) {
			return p.stall(ctx, doc, err)
		}
		return p.returned(ctx, doc, nil, err)
	}
	return p.applyAuthorization(ctx, doc, res)
}

func (p *Pipeline) applyAuthorization(ctx context.Context, doc *comprobante.Document, res *soap.AuthorizationResult) error {
	switch res.Status {
	case soap.StatusAuthorized:
		doc.AuthorizationNumber = res.Number
		doc.AuthorizationAt = parseAuthorizedAt(res.AuthorizedAt)
		doc.XMLAuthorized = res.AuthorizedXML
		if len(doc.XMLAuthorized) == 0 {
			// The SRI occasionally answers AUTORIZADO with an empty
			// comprobante body. Keep the signed XML so the archive and
			// the email always carry one.
			doc.XMLAuthorized = doc.XMLSigned
			doc.Append(comprobante.SeverityWarning, "AUTH_XML_MISSING",
				"authorization response carried no comprobante, keeping signed XML", "")
		}
		doc.Messages = append(doc.Messages, res.Messages...)
		doc.State = comprobante.StateAuthorized
		p.log.Info("comprobante authorized",
			"id", doc.ID, "number", doc.Number(), "authorization", res.Number)
		return p.store.Update(ctx, doc)
	case soap.StatusNotAuthorized:
		return p.returned(ctx, doc, res.Messages,
			comprobante.Wrap(comprobante.ErrSRIAuthorization, doc.AccessKey))
	default:
		return p.stall(ctx, doc,
			comprobante.Wrap(comprobante.ErrAuthorizationPending, doc.AccessKey))
	}
}

// fail moves the document to FAILED, recording the cause.
func (p *Pipeline) fail(ctx context.Context, doc *comprobante.Document, cause error) error {
	doc.Append(comprobante.SeverityError, comprobante.CodeOf(cause), cause.Error(), "")
	doc.State = comprobante.StateFailed
	if err := p.store.Update(ctx, doc); err != nil {
		p.log.Error("could not persist FAILED state", "id", doc.ID, "error", err)
		return errors.Join(cause, err)
	}
	p.log.Warn("document failed", "id", doc.ID, "code", comprobante.CodeOf(cause))
	return cause
}

// returned moves the document to RETURNED, preserving the SRI messages.
func (p *Pipeline) returned(ctx context.Context, doc *comprobante.Document, msgs []comprobante.Message, cause error) error {
	doc.Messages = append(doc.Messages, msgs...)
	if len(msgs) == 0 {
		doc.Append(comprobante.SeverityError, comprobante.CodeOf(cause), cause.Error(), "")
	}
	doc.State = comprobante.StateReturned
	if err := p.store.Update(ctx, doc); err != nil {
		p.log.Error("could not persist RETURNED state", "id", doc.ID, "error", err)
		return errors.Join(cause, err)
	}
	p.log.Warn("document returned", "id", doc.ID, "access_key", doc.AccessKey)
	return cause
}

// stall records a retryable error without changing state; the next
// Process call resumes from here.
func (p *Pipeline) stall(ctx context.Context, doc *comprobante.Document, cause error) error {
	msg := comprobante.Message{
		Severity: comprobante.SeverityWarning,
		Code:     comprobante.CodeOf(cause),
		Text:     cause.Error(),
	}
	if err := p.store.AppendMessages(ctx, doc.ID, msg); err != nil {
		p.log.Error("could not record retryable error", "id", doc.ID, "error", err)
	}
	return cause
}

// emitArtifacts renders the RIDE, archives the authorized artifacts and
// sends the buyer email. Failures here are observational only: they are
// appended as messages and never touch the document state.
func (p *Pipeline) emitArtifacts(ctx context.Context, doc *comprobante.Document) {
	if p.archiver != nil && len(doc.XMLAuthorized) > 0 {
		if err := p.archiver.Store(ctx, doc.AccessKey, "comprobante.xml", doc.XMLAuthorized); err != nil {
			p.observe(ctx, doc, "ARCHIVE_FAILED", err)
		}
	}

	if p.renderer == nil {
		return
	}
	sale, err := p.sales.Sale(ctx, doc.SaleRef)
	if err != nil {
		p.observe(ctx, doc, "PDF_FAILED", err)
		return
	}
	pdf, err := p.renderer.Render(doc, sale)
	if err != nil {
		p.observe(ctx, doc, "PDF_FAILED", err)
		return
	}
	if p.archiver != nil {
		if err := p.archiver.Store(ctx, doc.AccessKey, "ride.pdf", pdf); err != nil {
			p.observe(ctx, doc, "ARCHIVE_FAILED", err)
		}
	}

	if p.mailer == nil || !p.cfg.AutoEmail {
		return
	}
	if sale.Header().BuyerEmail == "" {
		p.observe(ctx, doc, "EMAIL_SKIPPED", fmt.Errorf("buyer has no email address"))
		return
	}
	if err := p.mailer.Send(ctx, doc, sale, pdf); err != nil {
		p.observe(ctx, doc, "EMAIL_FAILED", err)
		return
	}
	_ = p.store.AppendMessages(ctx, doc.ID, comprobante.Message{
		Severity: comprobante.SeverityInfo,
		Code:     "EMAIL_SENT",
		Text:     fmt.Sprintf("comprobante %s emailed to buyer", doc.Number()),
	})
}

func (p *Pipeline) observe(ctx context.Context, doc *comprobante.Document, code string, cause error) {
	p.log.Warn("post-authorization artifact failed", "id", doc.ID, "code", code, "error", cause)
	_ = p.store.AppendMessages(ctx, doc.ID, comprobante.Message{
		Severity: comprobante.SeverityWarning,
		Code:     code,
		Text:     cause.Error(),
	})
}

var authorizedAtLayouts = []string{
	"02/01/2006 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05",
}

func parseAuthorizedAt(value string) time.Time {
	for _, layout := range authorizedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
