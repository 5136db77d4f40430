package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	responseTimeHeaderName = "Offline-Cache-Response-Time"
	requestTimeHeaderName  = "Offline-Cache-Request-Time"
)

type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// Age returns how long ago the response was received.
func (t TimedResponse) Age(now time.Time) time.Duration {
	return now.Sub(t.ResponseTime)
}

func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	resTimeInt, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored response time: %w", err)
	}
	reqTimeInt, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored request time: %w", err)
	}
	sRes.ResponseTime = time.Unix(resTimeInt, 0)
	sRes.RequestTime = time.Unix(reqTimeInt, 0)
	// delete extra headers
	sRes.Response.Header.Del(responseTimeHeaderName)
	sRes.Response.Header.Del(requestTimeHeaderName)
	return sRes, nil
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// StoredResponseToBytes serializes the request that produced the response,
// a delimiter, and the HTTP/1.1 representation of the response.
// The response body is consumed and replaced with an in-memory copy,
// so the response can still be sent to the client afterwards.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	buf := &bytes.Buffer{}

	if req := res.Request; req != nil {
		// only the request line and headers are kept
		outReq := req.Clone(req.Context())
		outReq.Body = nil
		outReq.ContentLength = 0
		if err := outReq.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
			buf.Reset()
		}
	}
	buf.Write(delim)

	bts, err := responseToBytes(res, sRes.RequestTime, sRes.ResponseTime)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)

	return buf.Bytes(), nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("stored response is missing delimiter")
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		var err error
		req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Msg("Could not read request from stored response")
			req = nil
		}
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response, with the
// request and response times as extra headers.
func responseToBytes(res *http.Response, reqTime, resTime time.Time) ([]byte, error) {
	body, err := ReadBody(res)
	if err != nil {
		return nil, err
	}
	stored := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        storableHeader(res.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	stored.Header.Set(responseTimeHeaderName, strconv.FormatInt(resTime.Unix(), 10))
	stored.Header.Set(requestTimeHeaderName, strconv.FormatInt(reqTime.Unix(), 10))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// storableHeader returns a copy of the header without the hop-by-hop fields,
// i.e. Connection, the fields it lists, and the well-known connection-specific ones.
func storableHeader(header http.Header) http.Header {
	if header == nil {
		return http.Header{}
	}
	h := header.Clone()
	for _, value := range header.Values("Connection") {
		for _, field := range strings.Split(value, ",") {
			h.Del(strings.TrimSpace(field))
		}
	}
	for _, field := range []string{"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Transfer-Encoding", "Upgrade"} {
		h.Del(field)
	}
	return h
}

// ReadBody reads the whole response body and sets it back as an in-memory
// reader with a known length.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}
