package embedpool

import "encoding/json"

// decodeResult re-marshals an envelope's generic Result field (decoded by
// encoding/json into map[string]any) into the concrete type the caller
// expects.
func decodeResult(raw any, out any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
