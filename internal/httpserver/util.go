package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/CreditRail/gateway/internal/jsonsafe"
)

// maxAdminBytes caps admin request bodies.
const maxAdminBytes = 1 << 20

// decodeBody decodes an admin request body into the destination
// struct. The body is sanitized first so prototype-pollution key names
// never reach a handler, then decoded strictly: unknown fields are
// rejected. An empty body decodes as an empty object.
func decodeBody(r *http.Request, dest any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxAdminBytes))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	clean, err := jsonsafe.DecodeObject(raw)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(clean)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(buf))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
