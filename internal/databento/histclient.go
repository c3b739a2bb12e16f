package databento

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"

	"histdata/internal/retry"
)

// historicalBaseURL is the vendor's historical gateway.
const historicalBaseURL = "https://hist.databento.com/v0"

// defaultRequestTimeout bounds one range request end to end.
const defaultRequestTimeout = 60 * time.Second

// HistClient is the concrete SessionClient speaking the vendor's historical
// HTTP API: basic auth with the API key, line-delimited JSON record
// streaming. Symbol filtering for the definition schema happens client-side
// in the adapter; everything else is passed through.
type HistClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHistClient builds a client with a tuned transport.
func NewHistClient(apiKey string, timeout time.Duration) *HistClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HistClient{
		apiKey:  apiKey,
		baseURL: historicalBaseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Connect verifies the credentials with a cheap metadata call.
func (c *HistClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metadata.list_datasets", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.apiKey, "")
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return c.statusError(resp)
}

// Close releases idle connections.
func (c *HistClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Stream pulls one range request and emits every record.
func (c *HistClient) Stream(ctx context.Context, r Request, emit func(WireRecord) error) error {
	form := url.Values{}
	form.Set("dataset", r.Dataset)
	form.Set("schema", schemaName(r.Schema))
	form.Set("start", r.Start)
	form.Set("end", r.End)
	form.Set("stype_in", stypeName(r.STypeIn))
	form.Set("stype_out", "instrument_id")
	form.Set("encoding", "json")
	form.Set("pretty_px", "false")
	form.Set("pretty_ts", "false")
	if len(r.Symbols) > 0 {
		form.Set("symbols", strings.Join(r.Symbols, ","))
	} else {
		form.Set("symbols", "ALL_SYMBOLS")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/timeseries.get_range", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := c.statusError(resp); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		w, err := parseWireLine(line)
		if err != nil {
			return fmt.Errorf("parse vendor record: %w", err)
		}
		if err := emit(w); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

func (c *HistClient) statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return &retry.RateLimitError{RetryAfter: after, Err: fmt.Errorf("%s", resp.Status)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("vendor returned %s", resp.Status)}
	}
	// Remaining 4xx: a client error that retrying cannot fix.
	return fmt.Errorf("vendor returned %s", resp.Status)
}

// parseWireLine flattens one JSON record into the wire field map. The header
// object is hoisted, the first book level becomes the _00 fields, and
// integral numbers (including string-encoded nanosecond timestamps and
// fixed-point prices) become int64.
func parseWireLine(line []byte) (WireRecord, error) {
	dec := json.NewDecoder(strings.NewReader(string(line)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return WireRecord{}, err
	}

	fields := make(map[string]any, len(raw)+4)
	var rtype dbn.RType = dbn.RType_Unknown

	if hd, ok := raw["hd"].(map[string]any); ok {
		for k, v := range hd {
			fields[k] = wireValue(k, v)
		}
		if rt, ok := fields["rtype"]; ok {
			if n, ok := rt.(int64); ok {
				rtype = dbn.RType(n)
			}
		}
		delete(raw, "hd")
	}

	if levels, ok := raw["levels"].([]any); ok && len(levels) > 0 {
		if top, ok := levels[0].(map[string]any); ok {
			for k, v := range top {
				fields[k+"_00"] = wireValue(k+"_00", v)
			}
		}
		delete(raw, "levels")
	}

	for k, v := range raw {
		fields[k] = wireValue(k, v)
	}
	return WireRecord{RType: rtype, Fields: fields}, nil
}

// textFields are the record fields that are genuinely strings; a numeric
// string anywhere else is a string-encoded int64 (timestamps beyond float
// precision, fixed-point prices, the undefined-price sentinel). Raw symbols
// stay strings even when a venue assigns purely numeric ones.
var textFields = map[string]bool{
	"raw_symbol": true, "instrument_class": true, "exchange": true,
	"asset": true, "currency": true, "side": true, "action": true,
	"leg_raw_symbol": true, "leg_side": true, "symbol": true,
	"security_type": true, "group": true, "unit_of_measure": true,
}

func wireValue(key string, v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case string:
		if textFields[key] {
			return x
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
		return x
	case nil:
		return nil
	default:
		return x
	}
}

func schemaName(s dbn.Schema) string {
	switch s {
	case dbn.Schema_Ohlcv1S:
		return "ohlcv-1s"
	case dbn.Schema_Ohlcv1M:
		return "ohlcv-1m"
	case dbn.Schema_Ohlcv1H:
		return "ohlcv-1h"
	case dbn.Schema_Ohlcv1D:
		return "ohlcv-1d"
	case dbn.Schema_Trades:
		return "trades"
	case dbn.Schema_Tbbo:
		return "tbbo"
	case dbn.Schema_Statistics:
		return "statistics"
	case dbn.Schema_Definition:
		return "definition"
	}
	return "unknown"
}

func stypeName(s dbn.SType) string {
	switch s {
	case dbn.SType_Continuous:
		return "continuous"
	case dbn.SType_Parent:
		return "parent"
	case dbn.SType_InstrumentId:
		return "instrument_id"
	default:
		return "raw_symbol"
	}
}
