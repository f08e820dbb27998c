package common

import (
	"fmt"
	"strings"
)

// Namespace is the composite tenant namespace applied to every knowledge
// graph write and query. The canonical form joins organization and deal
// with a colon ("org:deal"); fast-path node properties additionally carry
// the underscore form ("org_deal") for index compatibility. The colon
// form is authoritative for searches.
func Namespace(organizationID, dealID string) string {
	return fmt.Sprintf("%s:%s", organizationID, dealID)
}

// FastPathNamespace returns the underscore-joined form stored as a node
// property on fast-path embedding nodes. Only §fast-path consumers read
// this form; everything else uses Namespace.
func FastPathNamespace(organizationID, dealID string) string {
	return fmt.Sprintf("%s_%s", organizationID, dealID)
}

// SplitNamespace splits a composite namespace into its organization and
// deal halves. It returns an error for legacy deal-only namespaces (no
// colon) and for namespaces with an empty half.
func SplitNamespace(ns string) (organizationID, dealID string, err error) {
	idx := strings.Index(ns, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("namespace %q is not in org:deal form", ns)
	}
	organizationID, dealID = ns[:idx], ns[idx+1:]
	if organizationID == "" || dealID == "" {
		return "", "", fmt.Errorf("namespace %q has an empty half", ns)
	}
	return organizationID, dealID, nil
}

// IsComposite reports whether ns already uses the org:deal form. Legacy
// namespaces produced before multi-org support contain only a deal id.
func IsComposite(ns string) bool {
	_, _, err := SplitNamespace(ns)
	return err == nil
}
