package types

// DiscoveryResponse is the decoded JSON body of a 200 response from the
// discovery service: GET .../v1/fleets/{fleet}/servers.
type DiscoveryResponse struct {
	Servers []Endpoint `json:"servers"`
}
