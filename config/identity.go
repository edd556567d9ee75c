package config

// Identity is one browser-like header set used for a request.
type Identity struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
	Referer        string
}

// DefaultIdentities returns the built-in rotation pool.
func DefaultIdentities() []Identity {
	return []Identity{
		{
			Name:           "chrome-win",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
			AcceptLanguage: "en-US,en;q=0.9",
			Referer:        "https://www.google.com/",
		},
		{
			Name:           "chrome-mac",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			AcceptLanguage: "en-GB,en;q=0.8",
			Referer:        "https://www.google.com/",
		},
		{
			Name:           "firefox-linux",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:123.0) Gecko/20100101 Firefox/123.0",
			AcceptLanguage: "en-IN,en;q=0.9",
			Referer:        "https://www.bing.com/",
		},
		{
			Name:           "safari-mac",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_3) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
			AcceptLanguage: "en-US,en;q=0.8",
			Referer:        "https://duckduckgo.com/",
		},
	}
}
