package incident

import (
	"regexp"
	"strings"
)

// Topology is the subset of the node graph used for correlation.
type Topology interface {
	Resolve(name string) (string, bool)
	Downstream(name string, recursive bool) []string
}

// IPRule maps management addresses starting with Prefix to Node.
type IPRule struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Node   string `yaml:"node" json:"node"`
}

// DeviceRule maps an exact device name to a node, optionally scoped to a PON.
type DeviceRule struct {
	Node string `yaml:"node" json:"node"`
	PON  string `yaml:"pon,omitempty" json:"pon,omitempty"`
}

// Mapping is the outcome of identity resolution.
type Mapping struct {
	FinalNodeName string   `json:"final_node_name"`
	IsPONFailure  bool     `json:"is_pon_failure"`
	AffectedPONs  []string `json:"affected_pons"`
	FailureType   string   `json:"failure_type"`
	MatchedBy     string   `json:"matched_by"`
}

// Resolution methods recorded in Mapping.MatchedBy.
const (
	MatchIP         = "ip_prefix"
	MatchDevice     = "device_map"
	MatchPONToken   = "pon_token"
	MatchPONSuffix  = "pon_suffix"
	MatchTopology   = "topology"
	MatchRawName    = "raw_name"
	ponSuffixMarker = "_PON_"
)

// ponToken matches a PON<letter><digits> token standing on its own,
// for example "NODO PICHIL PONB3".
var ponToken = regexp.MustCompile(`(?:^|[^A-Z0-9])(PON([A-Z])(\d+))(?:$|[^A-Z0-9])`)

// Resolver maps reported devices to canonical topology nodes.
//
// Resolution order: IP prefix, exact device name, PON token, the
// "<NODE>_PON_<id>" naming convention, topology lookup, raw name. An IP
// match wins even when the name points at a different node.
type Resolver struct {
	ipRules []IPRule
	devices map[string]DeviceRule
	topo    Topology
}

// NewResolver creates a resolver. IP rules are tried in the given order.
func NewResolver(ipRules []IPRule, devices map[string]DeviceRule, topo Topology) *Resolver {
	r := &Resolver{
		ipRules: make([]IPRule, 0, len(ipRules)),
		devices: make(map[string]DeviceRule, len(devices)),
		topo:    topo,
	}
	for _, rule := range ipRules {
		prefix := strings.TrimSpace(rule.Prefix)
		if prefix == "" {
			continue
		}
		r.ipRules = append(r.ipRules, IPRule{Prefix: prefix, Node: rule.Node})
	}
	for name, rule := range devices {
		r.devices[NormalizeNode(name)] = rule
	}
	return r
}

// Resolve maps a device name and optional IP to a Mapping.
func (r *Resolver) Resolve(device, ip string) Mapping {
	name := NormalizeNode(device)
	ip = strings.TrimSpace(ip)

	if ip != "" {
		for _, rule := range r.ipRules {
			if strings.HasPrefix(ip, rule.Prefix) {
				return wholeNode(r.canonical(rule.Node), MatchIP)
			}
		}
	}

	if rule, ok := r.devices[name]; ok {
		node := r.canonical(rule.Node)
		if pon := strings.ToUpper(strings.TrimSpace(rule.PON)); pon != "" {
			return ponFailure(node, pon, MatchDevice)
		}
		return wholeNode(node, MatchDevice)
	}

	if m := ponToken.FindStringSubmatchIndex(name); m != nil {
		token := name[m[2]:m[3]]
		rest := strings.TrimSpace(name[:m[2]] + " " + name[m[3]:])
		rest = strings.Trim(rest, " _-/")
		if rest != "" {
			return ponFailure(r.canonical(rest), token, MatchPONToken)
		}
	}

	if node, id, ok := strings.Cut(name, ponSuffixMarker); ok && node != "" && id != "" {
		return ponFailure(r.canonical(node), "PON"+id, MatchPONSuffix)
	}

	if r.topo != nil {
		if node, ok := r.topo.Resolve(name); ok {
			return wholeNode(node, MatchTopology)
		}
	}

	return wholeNode(name, MatchRawName)
}

// canonical resolves name through the topology when possible.
func (r *Resolver) canonical(name string) string {
	n := NormalizeNode(name)
	if r.topo != nil {
		if resolved, ok := r.topo.Resolve(n); ok {
			return resolved
		}
	}
	return n
}

func wholeNode(node, matchedBy string) Mapping {
	return Mapping{
		FinalNodeName: node,
		IsPONFailure:  false,
		AffectedPONs:  []string{WholeNode},
		FailureType:   FailureNodeDown,
		MatchedBy:     matchedBy,
	}
}

func ponFailure(node, pon, matchedBy string) Mapping {
	return Mapping{
		FinalNodeName: node,
		IsPONFailure:  true,
		AffectedPONs:  []string{pon},
		FailureType:   FailurePON,
		MatchedBy:     matchedBy,
	}
}
