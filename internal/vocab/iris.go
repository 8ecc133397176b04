package vocab

import "strings"

// Namespace is the base IRI prefix for workflow vocabulary terms.
const Namespace = "https://tokenflow.dev/ontology/workflow/"

// EntityID builds the subject of a workflow element: root.kind.id.
// The workflow root itself uses its bare identifier.
func EntityID(root, kind, id string) string {
	return strings.Join([]string{root, kind, id}, ".")
}
