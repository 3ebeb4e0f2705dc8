package core

import (
	"net"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	DefaultHost   = "127.0.0.1"
	DefaultScheme = "http"
	DefaultPort   = 9200
)

// ConnectionDescriptor describes one cluster node.
type ConnectionDescriptor struct {
	Host     string `json:"host"`
	Scheme   string `json:"scheme"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"pass"`
}

// DefaultConnection returns a descriptor for a local node without credentials.
func DefaultConnection() ConnectionDescriptor {
	return ConnectionDescriptor{
		Host:   DefaultHost,
		Scheme: DefaultScheme,
		Port:   DefaultPort,
	}
}

// ToMap returns the plain mapping form handed to transports that take
// host descriptions instead of URLs.
func (d ConnectionDescriptor) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"host":   d.Host,
		"scheme": d.Scheme,
		"port":   d.Port,
		"user":   d.User,
		"pass":   d.Password,
	}
}

// URL returns scheme://host:port. Credentials are never part of the URL.
func (d ConnectionDescriptor) URL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}

	port := d.Port
	if port == 0 {
		port = DefaultPort
	}

	return scheme + "://" + net.JoinHostPort(d.Host, strconv.Itoa(port))
}

func (d ConnectionDescriptor) Validate() error {
	if d.Host == "" {
		return ErrEmptyHost
	}

	switch d.Scheme {
	case "", "http", "https":
	default:
		return errors.Errorf("unsupported scheme %q for host %s", d.Scheme, d.Host)
	}

	if d.Port < 0 || d.Port > 65535 {
		return errors.Errorf("port %d out of range for host %s", d.Port, d.Host)
	}

	return nil
}

// ValidateConnections checks every descriptor and reports all failures at once.
func ValidateConnections(nodes []ConnectionDescriptor) error {
	if len(nodes) == 0 {
		return ErrNoNodes
	}

	var errs *multierror.Error
	for idx, node := range nodes {
		if err := node.Validate(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "node %d", idx))
		}
	}

	return errs.ErrorOrNil()
}

// NodeURLs maps descriptors to node URLs, preserving order.
func NodeURLs(nodes []ConnectionDescriptor) []string {
	urls := make([]string, 0, len(nodes))
	for _, node := range nodes {
		urls = append(urls, node.URL())
	}

	return urls
}

// Credentials returns the first user/password pair found among the nodes.
// Both transports authenticate once per client, not per node.
func Credentials(nodes []ConnectionDescriptor) (string, string) {
	for _, node := range nodes {
		if node.User != "" {
			return node.User, node.Password
		}
	}

	return "", ""
}
