package soap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

const testAccessKey = "2202202601179123456700110010010000000011234567818"

const receivedBody = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
<RespuestaRecepcionComprobante><estado>RECIBIDA</estado><comprobantes/></RespuestaRecepcionComprobante>
</ns2:validarComprobanteResponse></soapenv:Body></soapenv:Envelope>`

const returnedBody = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
<RespuestaRecepcionComprobante><estado>DEVUELTA</estado><comprobantes><comprobante>
<claveAcceso>` + testAccessKey + `</claveAcceso>
<mensajes><mensaje><identificador>45</identificador><mensaje>ERROR SECUENCIAL REGISTRADO</mensaje>
<informacionAdicional>secuencial duplicado</informacionAdicional><tipo>ERROR</tipo></mensaje></mensajes>
</comprobante></comprobantes></RespuestaRecepcionComprobante>
</ns2:validarComprobanteResponse></soapenv:Body></soapenv:Envelope>`

func authorizedBody(status string) string {
	return `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobante><claveAccesoConsultada>` + testAccessKey + `</claveAccesoConsultada>
<autorizaciones><autorizacion><estado>` + status + `</estado>
<numeroAutorizacion>` + testAccessKey + `</numeroAutorizacion>
<fechaAutorizacion>2026-02-22T10:05:00-05:00</fechaAutorizacion>
<ambiente>PRUEBAS</ambiente>
<comprobante>&lt;factura&gt;signed&lt;/factura&gt;</comprobante>
<mensajes/></autorizacion></autorizaciones>
</RespuestaAutorizacionComprobante></ns2:autorizacionComprobanteResponse></soapenv:Body></soapenv:Envelope>`
}

const inProcessBody = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobante><claveAccesoConsultada>` + testAccessKey + `</claveAccesoConsultada>
<autorizaciones/></RespuestaAutorizacionComprobante>
</ns2:autorizacionComprobanteResponse></soapenv:Body></soapenv:Envelope>`

func newTestClient(url string, tweak func(*Config)) *Client {
	cfg := Config{
		Environment:      comprobante.EnvTest,
		ReceptionURL:     url,
		AuthorizationURL: url,
		Timeout:          2 * time.Second,
		RetryBase:        time.Millisecond,
		PollBase:         time.Millisecond,
		PollBudget:       time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewClient(cfg)
}

func TestSubmitReceived(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		fmt.Fprint(w, receivedBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	res, err := c.Submit(context.Background(), []byte("<factura>x</factura>"))
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, res.Status)
	assert.False(t, res.Returned())
	assert.Empty(t, res.Messages)

	body := gotBody.Load().(string)
	assert.Contains(t, body, "validarComprobante")
	assert.Contains(t, body, base64.StdEncoding.EncodeToString([]byte("<factura>x</factura>")))
}

func TestSubmitReturnedWithMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, returnedBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	res, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.NoError(t, err)
	assert.True(t, res.Returned())
	require.Len(t, res.Messages, 1)
	assert.Equal(t, comprobante.SeverityError, res.Messages[0].Severity)
	assert.Equal(t, "45", res.Messages[0].Code)
	assert.Equal(t, "secuencial duplicado", res.Messages[0].Extra)
}

func TestSubmitRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, receivedBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	res, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, res.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	_, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.ErrorIs(t, err, comprobante.ErrSRIConnection)
	assert.True(t, comprobante.Retryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitFaultNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><soapenv:Fault><faultcode>soapenv:Client</faultcode>
<faultstring>firma invalida</faultstring></soapenv:Fault></soapenv:Body></soapenv:Envelope>`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	_, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.ErrorIs(t, err, comprobante.ErrSRIReception)
	assert.ErrorContains(t, err, "firma invalida")
	assert.False(t, comprobante.Retryable(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx faults must not retry")
}

func TestAuthorizeTerminalStates(t *testing.T) {
	for _, tc := range []struct {
		body string
		want string
	}{
		{authorizedBody("AUTORIZADO"), StatusAuthorized},
		{authorizedBody("NO AUTORIZADO"), StatusNotAuthorized},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tc.body)
		}))
		c := newTestClient(srv.URL, nil)
		res, err := c.Authorize(context.Background(), testAccessKey)
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Status)
		assert.True(t, res.Terminal())
		if tc.want == StatusAuthorized {
			assert.Equal(t, testAccessKey, res.Number)
			assert.Equal(t, "<factura>signed</factura>", string(res.AuthorizedXML))
		}
	}
}

const secondAccessKey = "2302202601179123456700110010010000000021234567810"

const batchBody = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><ns2:autorizacionComprobanteLoteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobanteLote><claveAccesoLoteConsultada>` + testAccessKey + `</claveAccesoLoteConsultada>
<numeroComprobantes>2</numeroComprobantes>
<autorizaciones><autorizacion>
<claveAccesoComprobante>` + testAccessKey + `</claveAccesoComprobante>
<estado>AUTORIZADO</estado>
<numeroAutorizacion>` + testAccessKey + `</numeroAutorizacion>
<fechaAutorizacion>2026-02-22T10:05:00-05:00</fechaAutorizacion>
<ambiente>PRUEBAS</ambiente>
<comprobante>&lt;factura&gt;signed&lt;/factura&gt;</comprobante>
<mensajes/></autorizacion>
<autorizacion>
<claveAccesoComprobante>` + secondAccessKey + `</claveAccesoComprobante>
<estado>NO AUTORIZADO</estado>
<mensajes><mensaje><identificador>60</identificador><mensaje>CLAVE ACCESO REGISTRADA</mensaje>
<tipo>ERROR</tipo></mensaje></mensajes></autorizacion></autorizaciones>
</RespuestaAutorizacionComprobanteLote></ns2:autorizacionComprobanteLoteResponse></soapenv:Body></soapenv:Envelope>`

func TestAuthorizeBatch(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		fmt.Fprint(w, batchBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	got, err := c.AuthorizeBatch(context.Background(), []string{testAccessKey, secondAccessKey})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[testAccessKey]
	require.NotNil(t, first)
	assert.Equal(t, StatusAuthorized, first.Status)
	assert.Equal(t, testAccessKey, first.Number)
	assert.Equal(t, "<factura>signed</factura>", string(first.AuthorizedXML))

	second := got[secondAccessKey]
	require.NotNil(t, second)
	assert.Equal(t, StatusNotAuthorized, second.Status)
	require.Len(t, second.Messages, 1)
	assert.Equal(t, "60", second.Messages[0].Code)

	body := gotBody.Load().(string)
	assert.Contains(t, body, "autorizacionComprobanteLote")
	assert.Contains(t, body, testAccessKey+","+secondAccessKey)
}

func TestAuthorizeEmptyListIsInProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, inProcessBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	res, err := c.Authorize(context.Background(), testAccessKey)
	require.NoError(t, err)
	assert.Equal(t, StatusInProcess, res.Status)
	assert.False(t, res.Terminal())
}

func TestPollAuthorizationEventuallyAuthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			fmt.Fprint(w, inProcessBody)
			return
		}
		fmt.Fprint(w, authorizedBody("AUTORIZADO"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	res, err := c.PollAuthorization(context.Background(), testAccessKey)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, res.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollAuthorizationCeiling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, inProcessBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, func(cfg *Config) { cfg.PollAttempts = 4 })
	res, err := c.PollAuthorization(context.Background(), testAccessKey)
	require.ErrorIs(t, err, comprobante.ErrAuthorizationPending)
	assert.True(t, comprobante.Retryable(err))
	require.NotNil(t, res)
	assert.Equal(t, StatusInProcess, res.Status)
	assert.Equal(t, int32(4), calls.Load())
}

func TestNormalizeStatuses(t *testing.T) {
	assert.Equal(t, StatusAuthorized, normalizeAuthStatus("AUTORIZADO"))
	assert.Equal(t, StatusAuthorized, normalizeAuthStatus("autorizada"))
	assert.Equal(t, StatusNotAuthorized, normalizeAuthStatus("NO AUTORIZADO"))
	assert.Equal(t, StatusInProcess, normalizeAuthStatus("EN PROCESO"))
	assert.Equal(t, StatusInProcess, normalizeAuthStatus("PPR"))
	assert.Equal(t, StatusInProcess, normalizeAuthStatus(""))
	assert.Equal(t, StatusReceived, normalizeReceptionStatus("RECIBIDA"))
	assert.Equal(t, StatusReturned, normalizeReceptionStatus(" devuelta "))
}

func TestEndpointDefaults(t *testing.T) {
	testCfg := (&Config{Environment: comprobante.EnvTest}).withDefaults()
	assert.Contains(t, testCfg.ReceptionURL, "celcer.sri.gob.ec")
	prodCfg := (&Config{Environment: comprobante.EnvProduction}).withDefaults()
	assert.Contains(t, prodCfg.AuthorizationURL, "//cel.sri.gob.ec")
	assert.Equal(t, 60*time.Second, prodCfg.Timeout)
	assert.Equal(t, 3, prodCfg.RetryAttempts)
	assert.Equal(t, 6, prodCfg.PollAttempts)
	assert.Equal(t, 90*time.Second, prodCfg.PollBudget)
}
