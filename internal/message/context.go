package message

import "fmt"

// EndpointContext is the routing information of the connection that sent a message.
type EndpointContext struct {
	ConnectionID string `json:"connectionId"`
	DomainName   string `json:"domainName"`
	Stage        string `json:"stage"`
}

// Complete reports whether every routing field is present.
func (c EndpointContext) Complete() bool {
	return c.ConnectionID != "" && c.DomainName != "" && c.Stage != ""
}

// EndpointURL is the management endpoint for the gateway that owns the connection.
func (c EndpointContext) EndpointURL() string {
	return fmt.Sprintf("https://%s/%s", c.DomainName, c.Stage)
}
