package types

// BrokerHealth is one broker's connection state as reported by the health
// endpoint.
type BrokerHealth struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Circuit   string `json:"circuit,omitempty"`
}
