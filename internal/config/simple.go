package config

// IsSimpleServer reports whether this config has no baseline/phases, in
// which case the phase engine holds one implicit terminal phase whose
// effective state is whatever tools/resources/prompts the loader attached
// directly to the config (§4.2 "Simple-server mode").
func (c *ServerConfig) IsSimpleServer() bool {
	return c.Baseline == nil && len(c.Phases) == 0
}
