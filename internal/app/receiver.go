package app

import (
	"context"
	"fmt"

	"github.com/1ureka/p2pshare/internal/config"
	"github.com/1ureka/p2pshare/internal/invite"
	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/transfer"
	"github.com/1ureka/p2pshare/internal/transport"
	"github.com/1ureka/p2pshare/internal/util"
)

// Receiver accepts the batch offered behind one invitation link.
type Receiver struct {
	cfg  config.Config
	link invite.Link
	key  *keys.Key
}

// Received is the outcome of a successful receive.
type Received struct {
	transfer.Result
	Path string // where the artifact was written
}

// NewReceiver parses the invitation link and imports its key.
func NewReceiver(cfg config.Config, rawLink string) (*Receiver, error) {
	link, err := invite.Parse(rawLink)
	if err != nil {
		return nil, err
	}
	key, err := keys.Import(link.Key)
	if err != nil {
		return nil, err
	}
	return &Receiver{cfg: cfg, link: link, key: key}, nil
}

// Room returns the room named by the link.
func (r *Receiver) Room() string { return r.link.Room }

// Run orchestrates the receiver lifecycle:
//  1. Join the room from the link
//  2. Answer the sender's offer
//  3. Receive, decrypt and package the batch
//  4. Write the artifact, wait for the room release and disconnect
func (r *Receiver) Run(ctx context.Context) (Received, error) {
	link, err := connect(ctx, r.cfg, transport.RoleReceiver, r.link.Room, func(ch transfer.Channel) (*transfer.Session, error) {
		return transfer.NewReceiver(ch, r.key, r.cfg.Transfer), nil
	})
	if err != nil {
		return Received{}, err
	}
	defer link.close()

	util.LogInfo("waiting for the sender...")
	session, err := link.establish(ctx)
	if err != nil {
		return Received{}, err
	}
	util.LogSuccess("connected to sender")

	res, err := session.Run(ctx)
	if err != nil {
		return Received{Result: res}, err
	}

	out := Received{Result: res}
	if res.Artifact != nil {
		path, err := saveArtifact(r.cfg.OutDir, res.Artifact)
		if err != nil {
			return out, fmt.Errorf("save %s: %w", res.Artifact.Name, err)
		}
		out.Path = path
		util.LogSuccess("saved %s (%s)", path, util.FormatBytes(float64(len(res.Artifact.Data))))
	}

	// The peer connection stays up until the sender releases the room so
	// the final "complete" is not cut off.
	link.awaitRelease(ctx)
	return out, nil
}
