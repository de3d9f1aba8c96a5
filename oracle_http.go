package aidledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Oracle endpoint paths, relative to an oracle's base URL.
const (
	DuplicateCheckPath = "/check-duplicate"
	UpdateCheckPath    = "/check-update"
)

// DefaultOracleTimeout bounds one oracle round trip.
const DefaultOracleTimeout = 5 * time.Second

// DuplicateQuery is the body sent to a duplication oracle.
type DuplicateQuery struct {
	AidType  int      `json:"aidType"`
	Location string   `json:"location"`
	Quantity int64    `json:"quantity"`
	Timeline Timeline `json:"timeline"`
}

// UpdateQuery is the body sent to an update oracle.
type UpdateQuery struct {
	ID     uint64 `json:"id"`
	Status Status `json:"status"`
}

// OracleVerdict is an oracle's answer.
type OracleVerdict struct {
	OK bool `json:"ok"`
}

// oracleClient posts queries to an oracle service.
type oracleClient struct {
	BaseURL  string       // Base URL of the oracle (e.g., "https://oracle.example.com")
	Client   *http.Client // HTTP client (can customize timeouts, TLS, etc.)
	Protobuf bool         // send and accept protobuf Struct bodies instead of JSON
}

func newOracleClient(baseURL string, timeout time.Duration) oracleClient {
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	return oracleClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c oracleClient) ask(ctx context.Context, path string, query any) (bool, error) {
	var (
		data        []byte
		err         error
		contentType = "application/json"
	)
	if c.Protobuf {
		var st *structpb.Struct
		if st, err = toStruct(query); err == nil {
			data, err = proto.Marshal(st)
		}
		contentType = "application/x-protobuf"
	} else {
		data, err = json.Marshal(query)
	}
	if err != nil {
		return false, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var verdict OracleVerdict
	if c.Protobuf {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return false, fmt.Errorf("unmarshal verdict: %w", err)
		}
		err = fromStruct(&st, &verdict)
	} else {
		err = json.Unmarshal(body, &verdict)
	}
	if err != nil {
		return false, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict.OK, nil
}

// HTTPDuplicationOracle implements DuplicationOracle against a remote
// service.
type HTTPDuplicationOracle struct {
	oracleClient
}

// NewHTTPDuplicationOracle creates a duplication oracle client.
func NewHTTPDuplicationOracle(baseURL string, timeout time.Duration) *HTTPDuplicationOracle {
	return &HTTPDuplicationOracle{newOracleClient(baseURL, timeout)}
}

// CheckDuplicate asks the oracle whether the commitment is unique.
func (o *HTTPDuplicationOracle) CheckDuplicate(
	ctx context.Context, aidType int, location string, quantity int64, timeline Timeline,
) (bool, error) {
	return o.ask(ctx, DuplicateCheckPath, DuplicateQuery{
		AidType:  aidType,
		Location: location,
		Quantity: quantity,
		Timeline: timeline,
	})
}

// HTTPUpdateOracle implements UpdateOracle against a remote service.
type HTTPUpdateOracle struct {
	oracleClient
}

// NewHTTPUpdateOracle creates an update oracle client.
func NewHTTPUpdateOracle(baseURL string, timeout time.Duration) *HTTPUpdateOracle {
	return &HTTPUpdateOracle{newOracleClient(baseURL, timeout)}
}

// CheckUpdate asks the oracle whether commitment id may move to status.
func (o *HTTPUpdateOracle) CheckUpdate(ctx context.Context, id uint64, status Status) (bool, error) {
	return o.ask(ctx, UpdateCheckPath, UpdateQuery{ID: id, Status: status})
}
