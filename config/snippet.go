package config

// ExampleSnippet returns a commented TOML snippet documenting the
// configuration's keys, for embedding in a binary's sample config file.
func (StdioClient) ExampleSnippet() string {
	return `# Directory containing the child binaries, defaults to $PATH
# bin_path = ""

# Extra environment variables for the child, as KEY=VALUE strings
# env = []

# The timeout in seconds for requests, defaults to 900. 0 disables it.
# timeout_secs = 60`
}

// ExampleSnippet documents the stdio server keys.
func (StdioServer) ExampleSnippet() string {
	return `# The timeout in seconds for the underlying service. 0 disables it.
# service_timeout_secs = 60`
}

// ExampleSnippet documents the HTTP client keys.
func (HTTPClient) ExampleSnippet() string {
	return `# The base URL of the server.
# base_url = "https://example.com"

# The API key sent with every request (optional).
# api_key = "YOUR_API_KEY"

# The timeout in seconds for requests. 0 disables it.
# timeout_secs = 60`
}

// ExampleSnippet documents the HTTP server keys.
func (HTTPServer) ExampleSnippet() string {
	return `# The port number on which the server listens.
# port = 8080

# The API keys allowed to access the server. If omitted, no key is needed.
# api_keys = ["key1", "key2", "key3"]

# The timeout in seconds for the underlying service. 0 disables it.
# service_timeout_secs = 60`
}

// ExampleSnippet documents the telemetry keys.
func (Telemetry) ExampleSnippet() string {
	return `# The OTLP/HTTP endpoint spans are exported to. Tracing is off without it.
# endpoint = "http://localhost:4318"

# Set to false to keep the endpoint but stop exporting.
# enabled = true`
}

// Snippet is implemented by every configuration section.
type Snippet interface {
	ExampleSnippet() string
}

// Section renders a snippet under a TOML table header.
func Section(name string, s Snippet) string {
	return "[" + name + "]\n" + s.ExampleSnippet() + "\n"
}
