package aidledger

//revive:disable:function-length Long test functions are acceptable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestServer(t *testing.T, opts Options) (*Server, http.Handler) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = FixedClock(5)
	}
	srv := NewServer(New(opts), nil)
	return srv, srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, principal Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(PrincipalHeader, string(principal))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

var logBody = map[string]any{
	"aidType":  1,
	"location": "SYR-ALE",
	"quantity": 1000,
	"timeline": map[string]any{"start": 100, "end": 200},
	"hash":     hashA,
}

func TestServer_Lifecycle(t *testing.T) {
	srv, h := newTestServer(t, Options{})

	w := doJSON(t, h, http.MethodPut, "/api/v1/fee", "", map[string]any{"fee": 5})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, map[string]any{
		"error":   "AuthorityNotBound",
		"code":    float64(108),
		"message": ErrAuthorityNotBound.Error(),
	}, decodeJSON(t, w))

	w = doJSON(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": testAuthority})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": otherOrg})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": ReservedPrincipal})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ReservedPrincipal", decodeJSON(t, w)["error"])

	w = doJSON(t, h, http.MethodPut, "/api/v1/fee", "", map[string]any{"fee": 75})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, logBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decodeJSON(t, w)["id"])

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, logBody)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(106), decodeJSON(t, w)["code"])

	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var c Commitment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
	assert.Equal(t, testOrg, c.Org)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, testTimeline, c.Timeline)

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments/0/status", otherOrg,
		map[string]any{"status": "delivered", "verified": true})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NotOwner", decodeJSON(t, w)["error"])

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments/0/status", testOrg,
		map[string]any{"status": "delivered", "verified": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/0/update", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{
		"updateStatus":    "delivered",
		"updateVerified":  true,
		"updateTimestamp": float64(5),
		"updater":         string(testOrg),
	}, decodeJSON(t, w))

	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/count", "", nil)
	assert.Equal(t, float64(1), decodeJSON(t, w)["count"])

	w = doJSON(t, h, http.MethodGet, "/api/v1/hashes/"+hashA, "", nil)
	assert.Equal(t, true, decodeJSON(t, w)["exists"])
	w = doJSON(t, h, http.MethodGet, "/api/v1/hashes/"+hashN(3), "", nil)
	assert.Equal(t, false, decodeJSON(t, w)["exists"])

	w = doJSON(t, h, http.MethodGet, "/api/v1/config", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg LedgerConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	assert.Equal(t, srv.Engine.Config(), cfg)
	assert.Equal(t, int64(75), cfg.LoggingFee)
}

func TestServer_Errors(t *testing.T) {
	_, h := newTestServer(t, Options{MaxCommitments: 1})

	// not bound yet
	w := doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, logBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AuthorityNotVerified", decodeJSON(t, w)["error"])

	w = doJSON(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": testAuthority})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", "", logBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MissingPrincipal", decodeJSON(t, w)["error"])

	bad := map[string]any{"aidType": 1, "location": "X", "quantity": 1, "timeline": map[string]any{"start": 1, "end": 2}, "hash": "abc"}
	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, float64(111), decodeJSON(t, w)["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commitments", strings.NewReader("{not json"))
	req.Header.Set(PrincipalHeader, string(testOrg))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BadRequest", decodeJSON(t, rec)["error"])

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, logBody)
	require.Equal(t, http.StatusCreated, w.Code)
	second := map[string]any{"aidType": 1, "location": "X", "quantity": 1, "timeline": map[string]any{"start": 1, "end": 2}, "hash": hashN(1)}
	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, second)
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/7", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(107), decodeJSON(t, w)["code"])
	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, h, http.MethodGet, "/api/v1/commitments/0/update", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/v1/commitments/0/status", testOrg, map[string]any{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidStatus", decodeJSON(t, w)["error"])

	w = doJSON(t, h, http.MethodDelete, "/api/v1/commitments/0", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_OracleRejection(t *testing.T) {
	oracle := UpdateOracleFunc(func(_ context.Context, _ uint64, _ Status) (bool, error) {
		return false, nil
	})
	_, h := newTestServer(t, Options{UpdateOracle: oracle})
	require.Equal(t, http.StatusOK,
		doJSON(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": testAuthority}).Code)
	require.Equal(t, http.StatusCreated,
		doJSON(t, h, http.MethodPost, "/api/v1/commitments", testOrg, logBody).Code)

	w := doJSON(t, h, http.MethodPost, "/api/v1/commitments/0/status", testOrg, map[string]any{"status": "delivered"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, float64(113), decodeJSON(t, w)["code"])
}

func TestServer_Authorities(t *testing.T) {
	_, h := newTestServer(t, Options{Authorities: NewStaticAuthorities(testAuthority)})
	w := doJSON(t, h, http.MethodGet, "/api/v1/authorities/"+string(testAuthority), "", nil)
	assert.Equal(t, true, decodeJSON(t, w)["verified"])
	w = doJSON(t, h, http.MethodGet, "/api/v1/authorities/"+string(otherOrg), "", nil)
	assert.Equal(t, false, decodeJSON(t, w)["verified"])
}

func doProto(t *testing.T, h http.Handler, method, path string, principal Principal, body map[string]any) (*httptest.ResponseRecorder, *structpb.Struct) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		st, err := structpb.NewStruct(body)
		require.NoError(t, err)
		data, err := proto.Marshal(st)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Accept", "application/x-protobuf")
	if principal != "" {
		req.Header.Set(PrincipalHeader, string(principal))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "application/x-protobuf", w.Header().Get("Content-Type"))
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(w.Body.Bytes(), &out))
	return w, &out
}

func TestServer_Protobuf(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w, _ := doProto(t, h, http.MethodPost, "/api/v1/authority", "", map[string]any{"principal": string(testAuthority)})
	require.Equal(t, http.StatusOK, w.Code)

	body := map[string]any{
		"aidType":  float64(3),
		"location": "KAB-AFG",
		"quantity": float64(250),
		"timeline": map[string]any{"start": float64(10), "end": float64(20)},
		"hash":     hashA,
	}
	w, resp := doProto(t, h, http.MethodPost, "/api/v1/commitments", testOrg, body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(0), resp.GetFields()["id"].GetNumberValue())

	w, resp = doProto(t, h, http.MethodGet, "/api/v1/commitments/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	c, err := FromProtoCommitment(resp)
	require.NoError(t, err)
	assert.Equal(t, 3, c.AidType)
	assert.Equal(t, "KAB-AFG", c.Location)
	assert.Equal(t, int64(250), c.Quantity)
	assert.Equal(t, Timeline{10, 20}, c.Timeline)
	assert.Equal(t, testOrg, c.Org)

	w, resp = doProto(t, h, http.MethodPost, "/api/v1/commitments", testOrg, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CommitmentAlreadyExists", resp.GetFields()["error"].GetStringValue())
	assert.Equal(t, float64(106), resp.GetFields()["code"].GetNumberValue())
}

func TestProtoConvert(t *testing.T) {
	c := Commitment{
		ID: 4, Org: testOrg, AidType: 9, Location: "Ḩalab", Quantity: 12,
		Timeline: testTimeline, Status: StatusDisputed, Hash: hashA, Timestamp: 77, Verified: true,
	}
	st, err := ToProtoCommitment(c)
	require.NoError(t, err)
	assert.Equal(t, "disputed", st.GetFields()["status"].GetStringValue())
	got, err := FromProtoCommitment(st)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	u := CommitmentUpdate{Status: StatusDelivered, Verified: true, Timestamp: 3, Updater: testOrg}
	ust, err := ToProtoUpdate(u)
	require.NoError(t, err)
	gotU, err := FromProtoUpdate(ust)
	require.NoError(t, err)
	assert.Equal(t, u, gotU)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := ts.Client()
	resp, err := client.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = client.Get(fmt.Sprintf("%s/api/v1/commitments/count", ts.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	client.CloseIdleConnections()
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusConflict, statusFor(ErrDuplicationDetected))
	assert.Equal(t, http.StatusBadRequest, statusFor(ErrInvalidLocation))
}
