package flightserver

import (
	"fmt"
	"net"
	"strings"
)

// Config configures a single DuckDB-backed Flight server instance.
type Config struct {
	// Name identifies the instance in logs ("server1", "server2").
	Name string

	// Location is the endpoint to listen on.
	// Formats: "grpc://localhost:8815", "localhost:8815" or ":8815".
	Location string

	// DBPath is the DuckDB database file. Empty or ":memory:" opens an
	// in-memory database whose state lives only as long as the process.
	DBPath string

	// Auth enables the authentication gate. When false every call is
	// admitted without credentials.
	Auth bool

	// Users maps usernames to passwords for the authentication gate.
	Users map[string]string
}

// ParseLocation parses a Flight location into an address for net.Listen.
// The "grpc://" prefix used by Flight URIs is accepted and stripped.
func ParseLocation(location string) (string, error) {
	addr := strings.TrimPrefix(location, "grpc://")
	if addr == "" {
		return "", fmt.Errorf("location is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	return addr, nil
}
