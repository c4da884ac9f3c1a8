package toolgate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Descriptor digests give a caller a stable fingerprint of what a tool
// demands, so a changed requirement set between two listings is detectable
// without diffing trees. The requirement sequence is lowered to a canonical
// form and encoded with deterministic CBOR before hashing; two structurally
// equal sequences always hash identically.

var digestEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor deterministic encoding options rejected: %v", err))
	}
	digestEncMode = mode
}

// digestNode is the canonical lowering of a Requirement for hashing
type digestNode struct {
	_        struct{} `cbor:",toarray"`
	Kind     string
	Name     string
	Value    string
	URI      string
	Property string
	HasProp  bool
	Children []digestNode
}

func lowerRequirement(req Requirement) digestNode {
	node := digestNode{
		Kind:  req.Kind.String(),
		Name:  req.Name,
		Value: req.Value,
		URI:   req.URI,
	}
	if req.Property != nil {
		node.Property = *req.Property
		node.HasProp = true
	}
	for _, child := range req.Children {
		node.Children = append(node.Children, lowerRequirement(child))
	}
	return node
}

// RequirementDigest computes the hex SHA-256 fingerprint of a requirement
// sequence. An empty sequence has a well-defined digest.
func RequirementDigest(reqs []Requirement) (string, error) {
	nodes := make([]digestNode, 0, len(reqs))
	for _, req := range reqs {
		nodes = append(nodes, lowerRequirement(req))
	}
	encoded, err := digestEncMode.Marshal(nodes)
	if err != nil {
		return "", fmt.Errorf("failed to encode requirements for digest: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// DescriptorDigest fingerprints a tool descriptor: its name plus its
// requirement sequence. Schema and description changes do not move the
// digest; requirement changes do.
func DescriptorDigest(tool ToolDescriptor) (string, error) {
	reqDigest, err := RequirementDigest(tool.Requires)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(tool.Name + "\x00" + reqDigest))
	return hex.EncodeToString(sum[:]), nil
}
