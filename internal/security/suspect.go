package security

import (
	"net"
	"net/url"
	"strings"
)

// automationAgents are user-agent fragments typical of scripted clients.
var automationAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python", "java/",
}

// CheckSuspicious runs the soft client heuristics: missing or
// automation-flavored user agent, POST without a referer. These never
// block on their own, they only feed the event log.
func CheckSuspicious(client ClientInfo) (bool, []string) {
	var reasons []string

	if client.UserAgent == "" {
		reasons = append(reasons, "missing user agent")
	} else {
		agent := strings.ToLower(client.UserAgent)
		for _, bad := range automationAgents {
			if strings.Contains(agent, bad) {
				reasons = append(reasons, "automation user agent: "+bad)
				break
			}
		}
	}

	if client.Method == "POST" && client.Referer == "" {
		reasons = append(reasons, "POST without referer")
	}
	if client.Referer != "" && client.Host != "" && !sameHost(client.Referer, client.Host) {
		reasons = append(reasons, "external referer")
	}

	return len(reasons) > 0, reasons
}

// sameHost reports whether referer points at host, ignoring ports.
func sameHost(referer, host string) bool {
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(u.Hostname(), host)
}
