package dimse

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// DirDialer delivers C-STORE requests into a directory tree
// <peer.Dir>/<study>/<sop>.dcm, each UID confined to one path element. It stands in for a network peer when a
// destination is configured as a file drop.
type DirDialer struct {
	Fs afero.Fs
}

func (d DirDialer) Dial(_ context.Context, peer Peer, req AssociateRequest) (Association, error) {
	fs := d.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(peer.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("file drop %s: %w", peer.AETitle, err)
	}
	ac := AssociateAccept{RoleSelections: req.RoleSelections}
	for _, pc := range req.PresentationContexts {
		accepted := pc
		accepted.Result = PCAcceptance
		if len(pc.TransferSyntaxes) > 1 {
			accepted.TransferSyntaxes = pc.TransferSyntaxes[:1]
		}
		ac.PresentationContexts = append(ac.PresentationContexts, accepted)
	}
	return &dirAssociation{fs: fs, dir: peer.Dir, accepted: ac}, nil
}

type dirAssociation struct {
	fs       afero.Fs
	dir      string
	accepted AssociateAccept
}

func (a *dirAssociation) Accepted() AssociateAccept { return a.accepted }

func (a *dirAssociation) Send(ctx context.Context, req *Request, onResponse func(Response)) (Response, error) {
	rsp := Response{MessageID: req.MessageID}
	switch req.Command {
	case CEcho:
		rsp.Status = StatusSuccess
	case CStore:
		if err := ctx.Err(); err != nil {
			return rsp, err
		}
		study := req.Attrs.Get(KeyStudyInstanceUID)
		if study == "" {
			study = "unknown"
		}
		dir := filepath.Join(a.dir, PathElement(study))
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return rsp, err
		}
		final := filepath.Join(dir, PathElement(req.SOPInstanceUID)+".dcm")
		tmp := final + ".part"
		if err := afero.WriteFile(a.fs, tmp, req.Data, 0o644); err != nil {
			return rsp, err
		}
		if err := a.fs.Rename(tmp, final); err != nil {
			_ = a.fs.Remove(tmp)
			return rsp, err
		}
		rsp.Status = StatusSuccess
	default:
		rsp.Status = StatusSOPClassNotSupp
		rsp.ErrorComment = string(req.Command) + " not supported by file drop"
	}
	if onResponse != nil {
		onResponse(rsp)
	}
	return rsp, nil
}

func (a *dirAssociation) Release(context.Context) error { return nil }
func (a *dirAssociation) Abort() error                  { return nil }
