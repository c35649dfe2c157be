package modules

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

const httpRequestTimeout = 30 * time.Second

// httpRequestFunction issues one outbound HTTP request per call, rate
// limited so a single misbehaving caller cannot turn the VM into an
// unbounded request generator. Input: {"method": string, "url": string,
// "headers": map[string]string (optional), "body": string (optional)}.
// Output: {"status": int, "headers": map[string]string, "body": string}.
func httpRequestFunction(limiter *rate.Limiter, httpClient *http.Client) operator.Instant {
	return operator.InstantFunc(func(input value.Value) (value.Value, error) {
		mv, ok := input.(*value.Map)
		if !ok {
			return nil, aerr.NewType("http_request", "input", "map", input.Kind().String())
		}

		methodV, ok := mv.Get("method")
		if !ok {
			return nil, aerr.NewValue("http_request", "method", "present", "missing")
		}
		methodS, ok := methodV.(value.String)
		if !ok {
			return nil, aerr.NewType("http_request", "method", "string", methodV.Kind().String())
		}

		urlV, ok := mv.Get("url")
		if !ok {
			return nil, aerr.NewValue("http_request", "url", "present", "missing")
		}
		urlS, ok := urlV.(value.String)
		if !ok {
			return nil, aerr.NewType("http_request", "url", "string", urlV.Kind().String())
		}

		var bodyReader io.Reader
		if bodyV, ok := mv.Get("body"); ok {
			bodyS, ok := bodyV.(value.String)
			if !ok {
				return nil, aerr.NewType("http_request", "body", "string", bodyV.Kind().String())
			}
			bodyReader = strings.NewReader(string(bodyS))
		}

		ctx, cancel := context.WithTimeout(context.Background(), httpRequestTimeout)
		defer cancel()
		if err := limiter.Wait(ctx); err != nil {
			return nil, aerr.New(aerr.KindValueError, "http_request: rate limit: "+err.Error())
		}

		req, err := http.NewRequestWithContext(ctx, string(methodS), string(urlS), bodyReader)
		if err != nil {
			return nil, aerr.New(aerr.KindValueError, "http_request: "+err.Error())
		}
		if headersV, ok := mv.Get("headers"); ok {
			headersMv, ok := headersV.(*value.Map)
			if !ok {
				return nil, aerr.NewType("http_request", "headers", "map", headersV.Kind().String())
			}
			headersMv.Range(func(key string, v value.Value) bool {
				if s, ok := v.(value.String); ok {
					req.Header.Set(key, string(s))
				}
				return true
			})
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, aerr.New(aerr.KindValueError, "http_request: "+err.Error())
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, aerr.New(aerr.KindValueError, "http_request: reading response body: "+err.Error())
		}

		outHeaders := value.NewMap()
		for key := range resp.Header {
			outHeaders.Set(key, value.String(resp.Header.Get(key)))
		}

		out := value.NewMap()
		out.Set("status", value.Int(int64(resp.StatusCode)))
		out.Set("headers", outHeaders)
		out.Set("body", value.String(string(respBody)))
		return out, nil
	})
}
