package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/p2pshare/internal/config"
	"github.com/1ureka/p2pshare/internal/invite"
	"github.com/1ureka/p2pshare/internal/keys"
	"github.com/1ureka/p2pshare/internal/transfer"
	"github.com/1ureka/p2pshare/internal/transport"
	"github.com/1ureka/p2pshare/internal/util"
)

// Sender offers one batch of files to whoever opens its invitation link.
type Sender struct {
	cfg     config.Config
	sources []transfer.Source
	key     *keys.Key
	room    string
	link    string
}

// NewSender generates the transfer key and room for sources and builds the
// invitation link. Nothing touches the network until Run.
func NewSender(cfg config.Config, sources []transfer.Source) (*Sender, error) {
	if len(sources) == 0 {
		return nil, errors.New("no files to send")
	}

	key, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	if cfg.RoomLength <= 0 {
		cfg.RoomLength = config.DefaultRoomLength
	}
	room := util.RandomToken(cfg.RoomLength)

	return &Sender{
		cfg:     cfg,
		sources: sources,
		key:     key,
		room:    room,
		link:    invite.Build(cfg.Origin, room, keys.Export(key)),
	}, nil
}

// SourcesFromPaths describes the files at paths.
func SourcesFromPaths(paths []string) ([]transfer.Source, error) {
	sources := make([]transfer.Source, 0, len(paths))
	for _, p := range paths {
		src, err := transfer.FileSource(p)
		if err != nil {
			return nil, fmt.Errorf("cannot send %s: %w", p, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// Link returns the invitation link to hand to the receiver.
func (s *Sender) Link() string { return s.link }

// Room returns the room token embedded in the link.
func (s *Sender) Room() string { return s.room }

// Run orchestrates the sender lifecycle:
//  1. Join the room on the relay
//  2. Offer a connection once the receiver shows up
//  3. Stream the batch over the data channel
//  4. Release the room and disconnect
func (s *Sender) Run(ctx context.Context) (transfer.Result, error) {
	link, err := connect(ctx, s.cfg, transport.RoleSender, s.room, func(ch transfer.Channel) (*transfer.Session, error) {
		return transfer.NewSender(ch, s.key, s.sources, s.cfg.Transfer)
	})
	if err != nil {
		return transfer.Result{}, err
	}
	defer link.close()

	util.LogInfo("waiting for the receiver to open the link...")
	session, err := link.establish(ctx)
	if err != nil {
		return transfer.Result{}, err
	}
	util.LogSuccess("connected to receiver")

	res, err := session.Run(ctx)
	if err != nil {
		return res, err
	}
	if !res.Confirmed {
		util.LogWarning("receiver did not confirm the transfer")
	}

	link.neg.Close()
	link.release()
	return res, nil
}
