package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/net/html"
	"golang.org/x/term"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrAssertionNotFound = errors.New("no assertion in provider response")
)

const assertionField = "SAMLResponse"

// some ADFS deployments only serve the NTLM handshake to browsers they recognise
const userAgent = "Mozilla/5.0 (compatible; MSIE 11; Windows NT 6.3; Trident/7.0; rv:11.0) like Gecko"

// AuthSession holds the reusable negotiation parameters for the identity
// provider. It is not a live network session - every call to Negotiate
// performs a full independent handshake.
type AuthSession struct {
	ProviderURL string
	Domain      string
	Username    string
	Password    string
}

// EnsureCredentials fills in the username and password, prompting on the
// attached terminal unless batch mode disables prompts. It never persists
// what it reads.
func (s *AuthSession) EnsureCredentials(batch bool, in io.Reader) error {
	if s.ProviderURL == "" {
		return fmt.Errorf("provider url is required, set --url or ADFS_URL, %w", ErrMissingConfig)
	}
	if s.Domain == "" {
		return fmt.Errorf("authentication domain is required, set --domain or ADFS_DOMAIN, %w", ErrMissingConfig)
	}
	if s.Username == "" {
		if !batch {
			fmt.Fprint(os.Stderr, "Username: ")
			s.Username = readLine(in)
		}
		if s.Username == "" {
			return fmt.Errorf("unable to determine username, specify --username or run interactively, %w", ErrMissingConfig)
		}
	}
	if s.Password == "" {
		if !batch {
			fmt.Fprintf(os.Stderr, "%s\\%s's password: ", s.Domain, s.Username)
			pwd, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("unable to read password: %s, %w", err, ErrMissingConfig)
			}
			s.Password = string(pwd)
		}
		if s.Password == "" {
			return fmt.Errorf("no password given for %s, respond to prompt or specify --password, %w", s.Username, ErrMissingConfig)
		}
	}
	return nil
}

func readLine(in io.Reader) string {
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.TrimSpace(line)
}

// Negotiate performs the authenticated handshake with the identity provider
// and returns the assertion embedded in the HTML response. The provider may
// relay through more than one chain - the operative assertion is the last
// matching hidden form field in document order.
func (s AuthSession) Negotiate(ctx context.Context, client *http.Client) (string, error) {
	if s.ProviderURL == "" || s.Domain == "" {
		return "", fmt.Errorf("negotiation requires a provider url and domain, %w", ErrMissingConfig)
	}
	if client == nil {
		client = NewNegotiateClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ProviderURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(fmt.Sprintf(`%s\%s`, s.Domain, s.Username), s.Password)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider handshake failed: %s, %w", err, ErrAssertionNotFound)
	}
	defer resp.Body.Close()

	assertion := lastFormValue(resp.Body, assertionField)
	if assertion == "" {
		return "", fmt.Errorf("no %s field in provider response - check VPN connectivity and credentials, %w", assertionField, ErrAssertionNotFound)
	}
	return assertion, nil
}

// NewNegotiateClient returns an http client whose transport answers the
// integrated windows authentication challenge.
func NewNegotiateClient() *http.Client {
	return &http.Client{
		Transport: ntlmssp.Negotiator{
			RoundTripper: http.DefaultTransport,
		},
		Timeout: 60 * time.Second,
	}
}

// lastFormValue walks the HTML document and returns the value attribute of
// the last <input> element carrying the given name.
func lastFormValue(r io.Reader, name string) string {
	doc, err := html.Parse(r)
	if err != nil {
		return ""
	}
	var value string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var elName, elValue string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					elName = a.Val
				case "value":
					elValue = a.Val
				}
			}
			if elName == name {
				value = elValue
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return value
}
