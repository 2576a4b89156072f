package spool

import (
	"path"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// File suffixes. An item is visible to the scheduler once its sidecar is
// renamed from .part to .info; a claimed sidecar carries .snd.
const (
	extPayload = ".dcm"
	extInfo    = ".info"
	extClaimed = ".snd"
	extPart    = ".part"
	extRecord  = ".rec"

	startMarker = "_start"
	auditDir    = "audit"

	// UnresolvedDestination is the directory used for items whose
	// destination could not be computed when they were received.
	UnresolvedDestination = "_unresolved"
)

// Roles are the outbound queue roots under each proxy AE.
var Roles = []dimse.Command{dimse.CStore, dimse.NCreate, dimse.NSet, dimse.NAction}

// AuditTree selects the audit record tree.
type AuditTree string

const (
	TreeTransferred AuditTree = "transferred"
	TreeFailed      AuditTree = "failed"
)

func safeName(s string) string { return dimse.PathElement(s) }

func destinationDir(dest string) string {
	if dest == "" {
		return UnresolvedDestination
	}
	return safeName(dest)
}

// itemDir is relative to the store root.
func itemDir(it *Item) string {
	return path.Join(safeName(it.ProxyAET), it.Command.Dir(), destinationDir(it.DestinationAET), safeName(it.SourceAET), safeName(it.StudyIUID))
}

func auditGroupDir(proxyAET string, tree AuditTree, remote, source, study string) string {
	return path.Join(safeName(proxyAET), auditDir, string(tree), destinationDir(remote), safeName(source), safeName(study))
}
