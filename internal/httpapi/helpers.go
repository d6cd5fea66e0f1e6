package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func routerSys(operation string) string {
	parts := strings.ReplaceAll(strings.TrimSpace(operation), "/", ".")
	if parts == "" {
		parts = "unknown"
	}
	return "api.http.router." + parts
}

func writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) error {
	if r.Method == method {
		return nil
	}
	w.Header().Set("Allow", method)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: fmt.Sprintf("use %s", method),
	}
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

var errEmptyBody = errors.New("empty body")

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if opts.allowEmpty {
			return nil
		}
		return errEmptyBody
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return errors.New("unexpected trailing JSON value")
	}
	return nil
}

// decodeKeyRequest fills dst from the request body and falls back to the
// "key" query parameter when the body carries no key.
func (h *Handler) decodeKeyRequest(w http.ResponseWriter, r *http.Request, dst any, key *string) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{allowEmpty: true, disallowUnknowns: true}); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "body_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			}
		}
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_body",
			Detail: fmt.Sprintf("failed to parse request: %v", err),
		}
	}
	if *key == "" {
		*key = r.URL.Query().Get("key")
	}
	return nil
}
