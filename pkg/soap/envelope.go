package soap

import (
	"encoding/xml"
	"fmt"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

const (
	receptionEnvelope = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ec="http://ec.gob.sri.ws.recepcion"><soapenv:Header/><soapenv:Body><ec:validarComprobante><xml>%s</xml></ec:validarComprobante></soapenv:Body></soapenv:Envelope>`

	authorizationEnvelope = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ec="http://ec.gob.sri.ws.autorizacion"><soapenv:Header/><soapenv:Body><ec:autorizacionComprobante><claveAccesoComprobante>%s</claveAccesoComprobante></ec:autorizacionComprobante></soapenv:Body></soapenv:Envelope>`

	batchEnvelope = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ec="http://ec.gob.sri.ws.autorizacion"><soapenv:Header/><soapenv:Body><ec:autorizacionComprobanteLote><claveAccesoLote>%s</claveAccesoLote></ec:autorizacionComprobanteLote></soapenv:Body></soapenv:Envelope>`
)

type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    body     `xml:"Body"`
}

type body struct {
	Fault         *fault                 `xml:"Fault"`
	Reception     *receptionResponse          `xml:"validarComprobanteResponse"`
	Authorization *authorizationResponse      `xml:"autorizacionComprobanteResponse"`
	Batch         *batchAuthorizationResponse `xml:"autorizacionComprobanteLoteResponse"`
}

type fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

func (f *fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Code, f.String, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.String)
}

type receptionResponse struct {
	Respuesta struct {
		Estado       string `xml:"estado"`
		Comprobantes []struct {
			ClaveAcceso string    `xml:"claveAcceso"`
			Mensajes    []mensaje `xml:"mensajes>mensaje"`
		} `xml:"comprobantes>comprobante"`
	} `xml:"RespuestaRecepcionComprobante"`
}

type authorizationResponse struct {
	Respuesta struct {
		ClaveAccesoConsultada string         `xml:"claveAccesoConsultada"`
		NumeroComprobantes    string         `xml:"numeroComprobantes"`
		Autorizaciones        []autorizacion `xml:"autorizaciones>autorizacion"`
	} `xml:"RespuestaAutorizacionComprobante"`
}

// The lote operation wraps the same autorizacion entries in its own
// response element name.
type batchAuthorizationResponse struct {
	Respuesta struct {
		ClaveAccesoLoteConsultada string         `xml:"claveAccesoLoteConsultada"`
		NumeroComprobantes        string         `xml:"numeroComprobantes"`
		Autorizaciones            []autorizacion `xml:"autorizaciones>autorizacion"`
	} `xml:"RespuestaAutorizacionComprobanteLote"`
}

type autorizacion struct {
	ClaveAcceso        string    `xml:"claveAccesoComprobante"`
	Estado             string    `xml:"estado"`
	NumeroAutorizacion string    `xml:"numeroAutorizacion"`
	FechaAutorizacion  string    `xml:"fechaAutorizacion"`
	Ambiente           string    `xml:"ambiente"`
	Comprobante        string    `xml:"comprobante"`
	Mensajes           []mensaje `xml:"mensajes>mensaje"`
}

type mensaje struct {
	Identificador        string `xml:"identificador"`
	Mensaje              string `xml:"mensaje"`
	InformacionAdicional string `xml:"informacionAdicional"`
	Tipo                 string `xml:"tipo"`
}

func (m mensaje) toMessage() comprobante.Message {
	sev := comprobante.SeverityInfo
	switch m.Tipo {
	case "ERROR":
		sev = comprobante.SeverityError
	case "ADVERTENCIA", "WARNING":
		sev = comprobante.SeverityWarning
	}
	return comprobante.Message{
		Severity: sev,
		Code:     m.Identificador,
		Text:     m.Mensaje,
		Extra:    m.InformacionAdicional,
	}
}

func parseEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unparseable SOAP response: %w", err)
	}
	return &env, nil
}
