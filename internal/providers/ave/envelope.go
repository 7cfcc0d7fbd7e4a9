package ave

import (
	"encoding/json"
	"fmt"
	"strings"

	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/providers/wire"
)

type envelope struct {
	Status json.RawMessage `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// unwrap returns the payload inside whichever envelope raw uses. AVE
// answers in one of several shapes depending on endpoint and API version:
//
//	{...fields} or [...]                 flat
//	{"data": {...fields}}                data
//	{"data": {"token": {...fields}}}     data.token
//	{"status": 1, "msg": "", "data": …}  status envelope around either data shape
func unwrap(raw []byte) (json.RawMessage, error) {
	if wire.IsArray(raw) {
		return raw, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fetcher.NewShapeError("decode ave envelope", err)
	}

	if !wire.IsNull(env.Status) && !wire.IsObject(env.Status) {
		status := strings.Trim(strings.TrimSpace(string(env.Status)), `"`)
		if status != "1" {
			return nil, fetcher.NewShapeError(fmt.Sprintf("ave status %s: %s", status, env.Msg), nil)
		}
	}

	if wire.IsNull(env.Data) {
		if !wire.IsNull(env.Status) {
			return nil, fetcher.NewShapeError("ave response has status but no data", nil)
		}
		return raw, nil
	}

	if wire.IsObject(env.Data) {
		var inner struct {
			Token json.RawMessage `json:"token"`
		}
		if err := json.Unmarshal(env.Data, &inner); err == nil && wire.IsObject(inner.Token) {
			return inner.Token, nil
		}
	}

	return env.Data, nil
}
