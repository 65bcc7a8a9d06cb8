package lifecycle

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ordo/internal/pkg/symbol"
	"ordo/internal/types"
)

const maxTakeProfitLegs = 8

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,200}$`)

const intentSchemaJSON = `{
  "type": "object",
  "required": ["idempotency_key", "source", "order"],
  "properties": {
    "idempotency_key": {
      "type": "string",
      "minLength": 8,
      "maxLength": 200,
      "pattern": "^[A-Za-z0-9_-]+$"
    },
    "environment": {"type": "object"},
    "source": {
      "type": "object",
      "required": ["strategy_id"],
      "properties": {
        "strategy_id": {"type": "string", "minLength": 1},
        "instance_id": {"type": "string"},
        "owner": {"type": "string"}
      }
    },
    "order": {
      "type": "object",
      "required": ["instrument", "side", "order_type"],
      "properties": {
        "instrument": {
          "type": "object",
          "required": ["symbol"],
          "properties": {"symbol": {"type": "string", "minLength": 1}}
        },
        "side": {"enum": ["BUY", "SELL"]},
        "order_type": {"enum": ["MARKET", "LIMIT", "STOP", "STOP_LIMIT"]},
        "price": {"type": "number", "minimum": 0},
        "stop_price": {"type": "number", "minimum": 0},
        "time_in_force": {"enum": ["", "GTC", "IOC", "FOK", "GTX"]},
        "quantity": {
          "type": "object",
          "required": ["type", "value"],
          "properties": {
            "type": {"enum": ["base_units", "contracts"]},
            "value": {"type": "number", "exclusiveMinimum": 0}
          }
        },
        "risk": {
          "type": "object",
          "properties": {
            "sizing": {
              "type": "object",
              "required": ["mode", "value"],
              "properties": {
                "mode": {"enum": ["PCT_BALANCE", "PCT_BROKER", "PCT_MARKET", "PCT_ALL", "USD"]},
                "value": {"type": "number", "exclusiveMinimum": 0},
                "broker": {"type": "string"},
                "market": {"type": "string"},
                "cap_notional": {"type": "number", "minimum": 0},
                "floor_notional": {"type": "number", "minimum": 0}
              }
            }
          }
        },
        "routing": {
          "type": "object",
          "properties": {
            "mode": {"enum": ["", "AUTO", "DIRECT"]},
            "broker": {"type": "string"}
          }
        },
        "leverage": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "leverage": {"type": "integer", "minimum": 1, "maximum": 125}
          }
        },
        "exit_plan": {
          "type": "object",
          "required": ["legs"],
          "properties": {
            "legs": {
              "type": "array",
              "minItems": 1,
              "items": {
                "type": "object",
                "required": ["kind", "trigger", "allocation"],
                "properties": {
                  "kind": {"enum": ["TP", "SL"]},
                  "trigger": {
                    "type": "object",
                    "required": ["type", "value"],
                    "properties": {
                      "type": {"enum": ["PRICE"]},
                      "value": {"type": "number", "exclusiveMinimum": 0}
                    }
                  },
                  "allocation": {
                    "type": "object",
                    "required": ["type", "value"],
                    "properties": {
                      "type": {"enum": ["percentage", "fixed"]},
                      "value": {"type": "number", "exclusiveMinimum": 0}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var intentSchema = mustCompileSchema("order_intent.json", intentSchemaJSON)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// validKey enforces the idempotency key format shared by all mutating calls.
func validKey(key string) bool {
	return keyRe.MatchString(key)
}

// validateIntent runs the structural schema plus the semantic rules the
// schema cannot express. Returns nil when the intent is placeable.
func validateIntent(intent *types.OrderIntent) *Error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return errf(CodeInternal, "encode intent: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errf(CodeInternal, "decode intent: %v", err)
	}
	if err := intentSchema.Validate(generic); err != nil {
		return &Error{Code: CodeInvalidSchema, Message: "intent failed schema validation", Details: map[string]any{"cause": err.Error()}}
	}

	o := &intent.Order
	if !symbol.IsValid(o.Instrument.Symbol) {
		return errf(CodeInvalidSchema, "unrecognized symbol %q", o.Instrument.Symbol)
	}

	hasQty := o.Quantity != nil
	hasSizing := o.Risk != nil && o.Risk.Sizing != nil
	if hasQty == hasSizing {
		return errf(CodeInvalidSchema, "exactly one of quantity and risk.sizing is required")
	}

	switch o.OrderType {
	case types.OrderTypeLimit:
		if o.Price <= 0 {
			return errf(CodeInvalidSchema, "LIMIT order requires price")
		}
	case types.OrderTypeStop:
		if o.StopPrice <= 0 {
			return errf(CodeInvalidSchema, "STOP order requires stop_price")
		}
	case types.OrderTypeStopLimit:
		if o.Price <= 0 {
			return errf(CodeInvalidSchema, "STOP_LIMIT order requires price")
		}
		if o.StopPrice <= 0 {
			return errf(CodeInvalidSchema, "STOP_LIMIT order requires stop_price")
		}
	}

	if o.Routing.Mode == types.RoutingDirect && o.Routing.Broker == "" {
		return errf(CodeInvalidSchema, "DIRECT routing requires a broker name")
	}
	if hasSizing {
		sz := o.Risk.Sizing
		if sz.Mode == types.SizePctBroker && sz.Broker == "" {
			return errf(CodeInvalidSchema, "PCT_BROKER sizing requires a broker name")
		}
		if sz.Mode == types.SizePctMarket && sz.Market == "" {
			return errf(CodeInvalidSchema, "PCT_MARKET sizing requires a market")
		}
		if sz.CapNotional > 0 && sz.FloorNotional > sz.CapNotional {
			return errf(CodeInvalidSchema, "floor_notional exceeds cap_notional")
		}
	}

	if o.ExitPlan != nil {
		if err := validateExitPlan(o); err != nil {
			return err
		}
	}
	return nil
}

func validateExitPlan(o *types.OrderPayload) *Error {
	var slSeen, tpCount int
	for i, leg := range o.ExitPlan.Legs {
		switch leg.Kind {
		case types.LegStopLoss:
			slSeen++
			if slSeen > 1 {
				return errf(CodeInvalidSchema, "exit plan leg %d: at most one SL leg is honoured", i)
			}
			if !stopOnLossSide(o.Side, leg.Trigger.Value, o.Price) {
				return errf(CodeInvalidSchema, "exit plan leg %d: SL trigger on the wrong side of entry", i)
			}
		case types.LegTakeProfit:
			tpCount++
			if tpCount > maxTakeProfitLegs {
				return errf(CodeInvalidSchema, "exit plan exceeds %d TP legs", maxTakeProfitLegs)
			}
		}
	}
	return nil
}

// stopOnLossSide checks a stop trigger sits on the losing side of the entry
// price. Unknown entry price (market order) is accepted as-is.
func stopOnLossSide(side types.Side, trigger, entryPrice float64) bool {
	if entryPrice <= 0 {
		return true
	}
	if side == types.SideBuy {
		return trigger < entryPrice
	}
	return trigger > entryPrice
}
