package trading

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"corthex/internal/pkg/jsonutil"
	"corthex/internal/store/model"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

var ErrNoSignal = errors.New("trading: no signal found")

// Signal is one parsed trading call. Justification is the model's stated
// reason for leaving the quant anchor band, if any.
type Signal struct {
	Ticker        string          `json:"ticker"`
	Direction     model.Direction `json:"direction"`
	Confidence    float64         `json:"confidence"`
	TargetPrice   float64         `json:"target_price,omitempty"`
	Justification string          `json:"justification,omitempty"`
	Legacy        bool            `json:"legacy,omitempty"`
}

type SignalParser interface {
	Parse(text string) ([]Signal, error)
}

const signalSchema = `{
  "type": "object",
  "required": ["signals"],
  "properties": {
    "signals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["ticker", "direction", "confidence"],
        "properties": {
          "ticker": {"type": "string", "minLength": 1},
          "direction": {"type": "string", "enum": ["BUY", "SELL", "HOLD", "buy", "sell", "hold"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 100},
          "target_price": {"type": "number", "minimum": 0},
          "justification": {"type": "string"}
        }
      }
    }
  }
}`

// JSONSignalParser is the primary path: a {"signals":[...]} object checked
// against a JSON Schema.
type JSONSignalParser struct {
	schema *jsonschema.Schema
}

func NewJSONSignalParser() (*JSONSignalParser, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signals.json", strings.NewReader(signalSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("signals.json")
	if err != nil {
		return nil, err
	}
	return &JSONSignalParser{schema: schema}, nil
}

func (p *JSONSignalParser) Parse(text string) ([]Signal, error) {
	raw, ok := jsonutil.ExtractObject(text)
	if !ok || !gjson.Valid(raw) {
		return nil, ErrNoSignal
	}
	if !gjson.Get(raw, "signals").Exists() {
		// a bare single signal object is accepted as a one-element list
		if gjson.Get(raw, "ticker").Exists() {
			raw = `{"signals":[` + raw + `]}`
		} else {
			return nil, ErrNoSignal
		}
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("signal schema: %w", err)
	}
	var out []Signal
	gjson.Get(raw, "signals").ForEach(func(_, v gjson.Result) bool {
		out = append(out, Signal{
			Ticker:        strings.ToUpper(strings.TrimSpace(v.Get("ticker").String())),
			Direction:     model.Direction(strings.ToUpper(v.Get("direction").String())),
			Confidence:    v.Get("confidence").Float(),
			TargetPrice:   v.Get("target_price").Float(),
			Justification: strings.TrimSpace(v.Get("justification").String()),
		})
		return true
	})
	if len(out) == 0 {
		return nil, ErrNoSignal
	}
	return out, nil
}

// LegacySignalParser reads the old free-text line format
//
//	[시그널] 005930 | 매수 | 75%
//
// Kept only as a fallback for models that ignore the JSON instruction.
type LegacySignalParser struct{}

var legacyLine = regexp.MustCompile(`\[(?:시그널|signal|SIGNAL)\]\s*([^|\n]+?)\s*\|\s*([^|\n]+?)\s*\|\s*(\d{1,3}(?:\.\d+)?)\s*%?`)

func (LegacySignalParser) Parse(text string) ([]Signal, error) {
	var out []Signal
	for _, m := range legacyLine.FindAllStringSubmatch(text, -1) {
		dir, ok := legacyDirection(m[2])
		if !ok {
			continue
		}
		conf, err := strconv.ParseFloat(m[3], 64)
		if err != nil || conf > 100 {
			continue
		}
		out = append(out, Signal{
			Ticker:     strings.ToUpper(strings.TrimSpace(m[1])),
			Direction:  dir,
			Confidence: conf,
			Legacy:     true,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoSignal
	}
	return out, nil
}

func legacyDirection(s string) (model.Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "매수":
		return model.DirectionBuy, true
	case "SELL", "매도":
		return model.DirectionSell, true
	case "HOLD", "관망", "보유":
		return model.DirectionHold, true
	default:
		return "", false
	}
}

// FallbackParser tries the strict parser and drops to the legacy one only
// when the strict path finds nothing.
type FallbackParser struct {
	Strict SignalParser
	Legacy SignalParser
}

func NewSignalParser() (*FallbackParser, error) {
	strict, err := NewJSONSignalParser()
	if err != nil {
		return nil, err
	}
	return &FallbackParser{Strict: strict, Legacy: LegacySignalParser{}}, nil
}

func (p *FallbackParser) Parse(text string) ([]Signal, error) {
	out, strictErr := p.Strict.Parse(text)
	if strictErr == nil {
		return out, nil
	}
	if p.Legacy == nil {
		return nil, strictErr
	}
	out, err := p.Legacy.Parse(text)
	if err != nil {
		return nil, strictErr
	}
	log.Warnf("signals read through legacy line format (%d), strict path: %v", len(out), strictErr)
	return out, nil
}
