package websocket

import (
	"net/http"
	"strconv"
	"strings"
)

const permessageDeflateName = "permessage-deflate"

// extensionParam is one name[=value] pair of an extension entry. Parameters
// are kept in wire order so duplicate names can be detected (RFC 7692,
// section 5 forbids them within one offer).
type extensionParam struct {
	name  string
	value string
}

// extension represents one offer or response entry of a Sec-WebSocket-Extensions
// header, per RFC 6455, section 9.1.
type extension struct {
	name   string
	params []extensionParam
}

// parseExtensions parses every Sec-WebSocket-Extensions header value into
// its comma-separated extension entries, each split into a name and a
// semicolon-separated parameter list (RFC 6455, section 9.1). Values may be
// quoted with " or '.
func parseExtensions(header http.Header) []extension {
	var extensions []extension
	for _, h := range header.Values("Sec-WebSocket-Extensions") {
		for _, ext := range strings.Split(h, ",") {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			parts := strings.Split(ext, ";")
			e := extension{name: strings.TrimSpace(parts[0])}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if param == "" {
					continue
				}
				p := extensionParam{name: param}
				if idx := strings.Index(param, "="); idx >= 0 {
					p.name = strings.TrimSpace(param[:idx])
					p.value = strings.Trim(strings.TrimSpace(param[idx+1:]), `"'`)
				}
				e.params = append(e.params, p)
			}
			extensions = append(extensions, e)
		}
	}
	return extensions
}

// deflateParams is a parsed set of permessage-deflate parameters from one
// offer or response. A zero window-bits value means the parameter was absent;
// clientMaxWindowBitsSent distinguishes a bare client_max_window_bits (legal
// in an offer, meaning "client supports it, server picks") from absence.
type deflateParams struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int
	clientMaxWindowBits     int
	clientMaxWindowBitsSent bool
}

// parseDeflateParams validates one offer/response's parameters against the
// permessage-deflate grammar (RFC 7692, section 7.1): no duplicate parameter
// names, no unknown parameter names, window-bits values in [8,15].
func parseDeflateParams(params []extensionParam) (deflateParams, error) {
	var p deflateParams
	seen := make(map[string]bool, len(params))
	for _, param := range params {
		if seen[param.name] {
			return deflateParams{}, ErrDuplicateParameter
		}
		seen[param.name] = true

		switch param.name {
		case "server_no_context_takeover":
			if param.value != "" {
				return deflateParams{}, ErrInvalidParameterValue
			}
			p.serverNoContextTakeover = true
		case "client_no_context_takeover":
			if param.value != "" {
				return deflateParams{}, ErrInvalidParameterValue
			}
			p.clientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := parseWindowBits(param.value)
			if err != nil {
				return deflateParams{}, err
			}
			p.serverMaxWindowBits = bits
		case "client_max_window_bits":
			p.clientMaxWindowBitsSent = true
			if param.value == "" {
				continue
			}
			bits, err := parseWindowBits(param.value)
			if err != nil {
				return deflateParams{}, err
			}
			p.clientMaxWindowBits = bits
		default:
			return deflateParams{}, ErrUnknownExtensionParameter
		}
	}
	return p, nil
}

func parseWindowBits(value string) (int, error) {
	bits, err := strconv.Atoi(value)
	if err != nil {
		return 0, ErrInvalidParameterValue
	}
	if bits < minWindowBits || bits > maxWindowBits {
		return 0, ErrInvalidParameterValue
	}
	return bits, nil
}

// negotiateServer implements the server side of the RFC 7692 section 7
// negotiation: given the client's offers in preference order and this
// server's local DeflateOptions, it takes the first offer that can be
// accepted and returns the response parameters to echo back. A malformed
// offer fails the whole negotiation; an offer that merely cannot be honored
// is declined and the next one is tried. If every offer is declined, the
// extension is not activated (ok == false).
func negotiateServer(offers []extension, local DeflateOptions) (resp deflateParams, ok bool, err error) {
	for i := range offers {
		if offers[i].name != permessageDeflateName {
			continue
		}
		offer, err := parseDeflateParams(offers[i].params)
		if err != nil {
			return deflateParams{}, false, err
		}
		resp, ok := resolveServerOffer(offer, local)
		if ok {
			return resp, true, nil
		}
	}
	return deflateParams{}, false, nil
}

// resolveServerOffer applies the per-parameter acceptance rules to a single
// offer. ok == false declines the offer.
func resolveServerOffer(offer deflateParams, local DeflateOptions) (resp deflateParams, ok bool) {
	resp.serverNoContextTakeover = local.ServerNoContextTakeover || offer.serverNoContextTakeover
	resp.clientNoContextTakeover = local.ClientNoContextTakeover || offer.clientNoContextTakeover

	// server_max_window_bits: a window restriction offered by the client can
	// only be honored if the server configured one of its own.
	switch {
	case local.ServerMaxWindowBits == 0 && offer.serverMaxWindowBits == 0:
		// Default window (15), parameter omitted from the response.
	case local.ServerMaxWindowBits == 0:
		return deflateParams{}, false
	case offer.serverMaxWindowBits == 0:
		resp.serverMaxWindowBits = local.ServerMaxWindowBits
	default:
		resp.serverMaxWindowBits = min(local.ServerMaxWindowBits, offer.serverMaxWindowBits)
	}

	// client_max_window_bits: the server may only restrict the client's
	// window if the client declared support by sending the parameter.
	switch {
	case local.ClientMaxWindowBits == 0 && !offer.clientMaxWindowBitsSent:
		// Parameter stays unset.
	case local.ClientMaxWindowBits == 0:
		resp.clientMaxWindowBits = offer.clientMaxWindowBits
		if resp.clientMaxWindowBits == 0 {
			resp.clientMaxWindowBits = defaultWindowBits
		}
	case !offer.clientMaxWindowBitsSent:
		return deflateParams{}, false
	default:
		offered := offer.clientMaxWindowBits
		if offered == 0 {
			offered = defaultWindowBits
		}
		resp.clientMaxWindowBits = min(local.ClientMaxWindowBits, offered)
	}

	return resp, true
}

// acceptClient implements the client side of the negotiation: given the
// server's response extensions, decide whether permessage-deflate was
// accepted and, if so, whether its parameters are a legal narrowing of what
// was offered (RFC 7692, section 7). A missing entry means the extension is
// simply not active; an inconsistent entry is a protocol violation rejected
// with ErrInvalidServerResponse.
func acceptClient(response []extension, offered DeflateOptions) (resp deflateParams, ok bool, err error) {
	// The response lists every extension the server activated; their
	// reserved bits must be disjoint. permessage-deflate owns RSV1, so a
	// second entry claiming it is a conflict.
	var entry *extension
	var rsv extensionSet
	for i := range response {
		if response[i].name != permessageDeflateName {
			continue
		}
		if err := rsv.claim(true, false, false); err != nil {
			return deflateParams{}, false, err
		}
		entry = &response[i]
	}
	if entry == nil {
		return deflateParams{}, false, nil
	}

	resp, err = parseDeflateParams(entry.params)
	if err != nil {
		return deflateParams{}, false, err
	}

	// In a response, client_max_window_bits must carry an explicit value.
	if resp.clientMaxWindowBitsSent && resp.clientMaxWindowBits == 0 {
		return deflateParams{}, false, ErrInvalidServerResponse
	}

	// A requested server-side restriction must be acknowledged, and any
	// echoed bound may only narrow what was asked for. The server may add
	// server_no_context_takeover or client_no_context_takeover on its own.
	if offered.ServerNoContextTakeover && !resp.serverNoContextTakeover {
		return deflateParams{}, false, ErrInvalidServerResponse
	}
	if offered.ServerMaxWindowBits != 0 {
		if resp.serverMaxWindowBits == 0 {
			return deflateParams{}, false, ErrInvalidServerResponse
		}
		if resp.serverMaxWindowBits > offered.ServerMaxWindowBits {
			return deflateParams{}, false, ErrInvalidServerResponse
		}
	}
	if offered.ClientMaxWindowBits != 0 {
		if resp.clientMaxWindowBits == 0 {
			return deflateParams{}, false, ErrInvalidServerResponse
		}
		if resp.clientMaxWindowBits > offered.ClientMaxWindowBits {
			return deflateParams{}, false, ErrInvalidServerResponse
		}
	}

	return resp, true, nil
}

// formatDeflateResponse renders a negotiated deflateParams as the value of
// a Sec-WebSocket-Extensions response header (RFC 7692, section 7.1).
func formatDeflateResponse(p deflateParams) string {
	parts := []string{permessageDeflateName}
	if p.serverNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if p.serverMaxWindowBits != 0 {
		parts = append(parts, "server_max_window_bits="+strconv.Itoa(p.serverMaxWindowBits))
	}
	if p.clientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if p.clientMaxWindowBits != 0 {
		parts = append(parts, "client_max_window_bits="+strconv.Itoa(p.clientMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// formatDeflateOffer renders the client's initial offer (RFC 7692, section
// 7.1). A bare client_max_window_bits declares support without demanding a
// particular bound, so the server is free to pick one.
func formatDeflateOffer(local DeflateOptions) string {
	parts := []string{permessageDeflateName}
	if local.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if local.ServerMaxWindowBits != 0 {
		parts = append(parts, "server_max_window_bits="+strconv.Itoa(local.ServerMaxWindowBits))
	}
	if local.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if local.ClientMaxWindowBits != 0 {
		parts = append(parts, "client_max_window_bits="+strconv.Itoa(local.ClientMaxWindowBits))
	} else {
		parts = append(parts, "client_max_window_bits")
	}
	return strings.Join(parts, "; ")
}

// serverWindowBits and clientWindowBits resolve the negotiated window-bits
// values a session is bound to, applying the protocol default of 15 when the
// parameter was omitted.
func (p deflateParams) serverWindowBits() int {
	if p.serverMaxWindowBits == 0 {
		return defaultWindowBits
	}
	return p.serverMaxWindowBits
}

func (p deflateParams) clientWindowBits() int {
	if p.clientMaxWindowBits == 0 {
		return defaultWindowBits
	}
	return p.clientMaxWindowBits
}

// extensionSet tracks reserved-bit ownership across a connection's
// negotiated extensions. The composite of all active extensions must use
// disjoint bits; a second claim on the same bit fails with
// ErrIncompatibleExtensions.
type extensionSet struct {
	rsv1 bool
	rsv2 bool
	rsv3 bool
}

func (s *extensionSet) claim(rsv1, rsv2, rsv3 bool) error {
	if (rsv1 && s.rsv1) || (rsv2 && s.rsv2) || (rsv3 && s.rsv3) {
		return ErrIncompatibleExtensions
	}
	s.rsv1 = s.rsv1 || rsv1
	s.rsv2 = s.rsv2 || rsv2
	s.rsv3 = s.rsv3 || rsv3
	return nil
}
