package main

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/noisepeer/noise"
	"github.com/gosuda/noisepeer/peer"
	"github.com/gosuda/noisepeer/peerstore"
)

var rootCmd = &cobra.Command{
	Use:   "peerctl",
	Short: "Dial or accept a single encrypted peer connection and log its session events",
	RunE:  run,
}

var (
	flagListen            string
	flagConnect           string
	flagStaticKeyHex      string
	flagRemoteStaticHex   string
	flagPingIntervalMs    int64
	flagPingTimeoutMs     int64
	flagReconnectMs       int64
	flagPeerStoreCapacity int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", "", "address to accept a single inbound connection on, e.g. :9735")
	flags.StringVar(&flagConnect, "connect", "", "address to dial as initiator, e.g. localhost:9735")
	flags.StringVar(&flagStaticKeyHex, "static-key", "", "32-byte hex local static private key (random if empty)")
	flags.StringVar(&flagRemoteStaticHex, "remote-pubkey", "", "33-byte hex remote static public key, required with --connect")
	flags.Int64Var(&flagPingIntervalMs, "ping-interval", peer.DefaultPingIntervalMs, "liveness ping interval in milliseconds")
	flags.Int64Var(&flagPingTimeoutMs, "ping-timeout", 0, "ping timeout in milliseconds (0 = one missed tick)")
	flags.Int64Var(&flagReconnectMs, "reconnect-timeout", 5000, "reconnect delay in milliseconds (0 disables reconnect)")
	flags.IntVar(&flagPeerStoreCapacity, "peerstore-capacity", 256, "max entries in the known-peer cache")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	staticPriv, staticPub, err := loadOrGenerateStatic(flagStaticKeyHex)
	if err != nil {
		log.Fatal().Err(err).Msg("[peerctl] failed to load static key")
	}
	staticPubBytes := noise.SerializePublicKey(staticPub)
	log.Info().Str("static_pubkey", hex.EncodeToString(staticPubBytes[:])).Msg("[peerctl] local identity")

	store, err := peerstore.New(flagPeerStoreCapacity)
	if err != nil {
		log.Fatal().Err(err).Msg("[peerctl] failed to create peerstore")
	}

	cfg := peer.Config{
		InitLocalFeatures: []byte{0x00},
		PingPolicy:        peer.NewDefaultPingPolicy(flagPingIntervalMs, flagPingTimeoutMs),
	}

	var sess *peer.PeerSession
	switch {
	case flagConnect != "":
		sess, err = dialInitiator(staticPriv, store, cfg)
	case flagListen != "":
		sess, err = acceptOnce(staticPriv, store, cfg)
	default:
		log.Fatal().Msg("[peerctl] one of --connect or --listen is required")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("[peerctl] failed to establish session")
	}

	go drainSignals(sess)

	<-ctx.Done()
	sess.Disconnect()
	sess.Wait()
	return nil
}

func drainSignals(sess *peer.PeerSession) {
	for sig := range sess.Signals() {
		switch sig.Kind {
		case peer.SignalReady:
			log.Info().Msg("[peerctl] session ready")
		case peer.SignalMessage:
			log.Info().Int("len", len(sig.Payload)).Msg("[peerctl] message received")
		case peer.SignalErrorKind:
			log.Error().Err(sig.Err).Msg("[peerctl] session error")
		case peer.SignalClose:
			log.Warn().Msg("[peerctl] session closed")
		}
	}
}

func dialInitiator(staticPriv *noise.PrivateKey, store *peerstore.Store, cfg peer.Config) (*peer.PeerSession, error) {
	if flagRemoteStaticHex == "" {
		log.Fatal().Msg("[peerctl] --remote-pubkey is required with --connect")
	}
	remoteBytes, err := hex.DecodeString(flagRemoteStaticHex)
	if err != nil {
		return nil, err
	}
	remoteStatic, err := noise.ParsePublicKey(remoteBytes)
	if err != nil {
		return nil, err
	}

	dial := func() (*noise.NoiseTransport, error) {
		if !store.AddressPinned(flagConnect, remoteStatic) {
			return nil, noise.WrongRemoteStaticError(nil)
		}
		conn, err := net.Dial("tcp", flagConnect)
		if err != nil {
			return nil, err
		}
		t, err := noise.ConnectInitiator(conn, staticPriv, remoteStatic)
		if err != nil {
			conn.Close()
			return nil, err
		}
		store.Remember(remoteStatic, flagConnect, time.Now())
		return t, nil
	}

	t, err := dial()
	if err != nil {
		return nil, err
	}
	cfg.ReconnectTimeoutMs = flagReconnectMs
	return peer.NewInitiatorSession(t, dial, cfg), nil
}

func acceptOnce(staticPriv *noise.PrivateKey, store *peerstore.Store, cfg peer.Config) (*peer.PeerSession, error) {
	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("[peerctl] listening")

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}

	t, err := noise.AcceptResponder(conn, staticPriv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store.Remember(t.RemoteStaticKey(), conn.RemoteAddr().String(), time.Now())
	return peer.NewResponderSession(t, cfg), nil
}

func loadOrGenerateStatic(hexKey string) (*noise.PrivateKey, *noise.PublicKey, error) {
	if hexKey == "" {
		return noise.GenerateKeyPair()
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, nil, err
	}
	priv := noise.PrivateKeyFromBytes(raw)
	return priv, priv.PubKey(), nil
}
