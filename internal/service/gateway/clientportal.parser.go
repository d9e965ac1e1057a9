package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
)

// Client Portal market data field ids.
const (
	clientPortalFieldLast         = "31"
	clientPortalFieldBid          = "84"
	clientPortalFieldAskSize      = "85"
	clientPortalFieldAsk          = "86"
	clientPortalFieldBidSize      = "88"
	clientPortalFieldDelta        = "7308"
	clientPortalFieldGamma        = "7309"
	clientPortalFieldTheta        = "7310"
	clientPortalFieldVega         = "7311"
	clientPortalFieldImpliedVol   = "7633"
	clientPortalFieldOpenInterest = "7638"
	clientPortalFieldPriorClose   = "7741"
	clientPortalFieldVolume       = "7762"
)

var clientPortalMonthCodes = [12]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// clientPortalInt64 accepts ids encoded either as numbers or strings.
type clientPortalInt64 int64

func (v *clientPortalInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*v = 0
		return nil
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", raw, err)
	}

	*v = clientPortalInt64(parsed)
	return nil
}

func parseClientPortalMessage(message []byte) (clientPortalEvent, bool) {
	var payload map[string]any
	if err := json.Unmarshal(message, &payload); err != nil {
		return clientPortalEvent{}, false
	}

	topic, _ := payload["topic"].(string)

	switch {
	case topic == "sts":
		args, _ := payload["args"].(map[string]any)
		authenticated, _ := args["authenticated"].(bool)
		if authenticated {
			return clientPortalEvent{kind: clientPortalEventConnected}, true
		}
		return clientPortalEvent{
			kind:    clientPortalEventError,
			code:    clientPortalConnectivityLostCode,
			message: "connectivity between IBKR and the client portal gateway has been lost",
		}, true
	case strings.HasPrefix(topic, "smd+"):
		conID, err := strconv.ParseInt(strings.TrimPrefix(topic, "smd+"), 10, 64)
		if err != nil {
			number, ok := parseClientPortalNumber(payload["conid"])
			if !ok {
				return clientPortalEvent{}, false
			}
			conID = int64(number)
		}
		return clientPortalEvent{kind: clientPortalEventTick, conID: conID, fields: payload}, true
	case topic == "system":
		return clientPortalEvent{}, false
	}

	rawErr, hasErr := payload["error"]
	if topic != "error" && !hasErr {
		return clientPortalEvent{}, false
	}

	code := 0
	if number, ok := parseClientPortalNumber(payload["code"]); ok {
		code = int(number)
	}

	text := fmt.Sprint(rawErr)
	if msg, ok := payload["message"].(string); ok && msg != "" {
		text = msg
	}

	return clientPortalEvent{kind: clientPortalEventError, code: code, message: text}, true
}

func applyClientPortalFields(ticker *entity.Ticker, fields map[string]any) {
	for key, raw := range fields {
		value, ok := parseClientPortalNumber(raw)
		if !ok {
			continue
		}

		switch key {
		case clientPortalFieldLast:
			ticker.Last = null.FloatFrom(value)
		case clientPortalFieldBid:
			ticker.Bid = null.FloatFrom(value)
		case clientPortalFieldAskSize:
			ticker.AskSize = null.FloatFrom(value)
		case clientPortalFieldAsk:
			ticker.Ask = null.FloatFrom(value)
		case clientPortalFieldBidSize:
			ticker.BidSize = null.FloatFrom(value)
		case clientPortalFieldVolume:
			ticker.Volume = null.FloatFrom(value)
		case clientPortalFieldPriorClose:
			ticker.Close = null.FloatFrom(value)
		case clientPortalFieldOpenInterest:
			ticker.OpenInterest = null.FloatFrom(value)
		case clientPortalFieldImpliedVol:
			// reported in percent
			ticker.ImpliedVol = null.FloatFrom(value / 100)
		case clientPortalFieldDelta:
			ticker.Delta = null.FloatFrom(value)
		case clientPortalFieldGamma:
			ticker.Gamma = null.FloatFrom(value)
		case clientPortalFieldTheta:
			ticker.Theta = null.FloatFrom(value)
		case clientPortalFieldVega:
			ticker.Vega = null.FloatFrom(value)
		}
	}
}

// parseClientPortalNumber reads numeric fields that may arrive as numbers or
// as display strings like "C152.30", "12.5%", "1,024" or "65.7M".
func parseClientPortalNumber(raw any) (float64, bool) {
	switch val := raw.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case map[string]any:
		return parseClientPortalNumber(val["v"])
	case string:
		return parseClientPortalText(val)
	default:
		return 0, false
	}
}

func parseClientPortalText(raw string) (float64, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimLeft(text, "CH")
	text = strings.TrimSuffix(text, "%")
	text = strings.ReplaceAll(text, ",", "")
	if text == "" {
		return 0, false
	}

	multiplier := 1.0
	switch text[len(text)-1] {
	case 'K':
		multiplier = 1e3
	case 'M':
		multiplier = 1e6
	case 'B':
		multiplier = 1e9
	}
	if multiplier != 1 {
		text = text[:len(text)-1]
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}

	return value * multiplier, true
}

// parseMonthCode reads option month codes such as "JAN26".
func parseMonthCode(code string) (time.Time, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 5 {
		return time.Time{}, fmt.Errorf("invalid option month: %s", code)
	}

	month := 0
	for idx, name := range clientPortalMonthCodes {
		if name == code[:3] {
			month = idx + 1
			break
		}
	}
	if month == 0 {
		return time.Time{}, fmt.Errorf("invalid option month: %s", code)
	}

	year, err := strconv.Atoi(code[3:])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid option month: %s", code)
	}

	return time.Date(2000+year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

func monthCode(t time.Time) string {
	return fmt.Sprintf("%s%02d", clientPortalMonthCodes[t.Month()-1], t.Year()%100)
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

func expirationFromMonthCode(code string) (time.Time, error) {
	month, err := parseMonthCode(code)
	if err != nil {
		return time.Time{}, err
	}
	return thirdFriday(month.Year(), month.Month()), nil
}
