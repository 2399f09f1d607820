package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pineapplenet/pineapple-core/pkg/config"
	"github.com/pineapplenet/pineapple-core/pkg/ratchetframe"
	"github.com/pineapplenet/pineapple-core/pkg/tlog"
	"github.com/pineapplenet/pineapple-core/pkg/traversal"
)

var (
	configFile      = flag.String("config", "configs/instance.json", "Path to instance configuration file")
	peerFingerprint = flag.String("peer", "", "Fingerprint of the peer to connect to")
	logLevel        = flag.String("log-level", "info", "Logging level (trace, debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		tlog.Base.SetLevel(level)
	}
	entry := logrus.NewEntry(tlog.Base)

	if *peerFingerprint == "" {
		entry.Fatal("missing required -peer flag")
	}

	entry.WithField("path", *configFile).Info("loading instance configuration")
	cfg, err := config.Load(*configFile)
	if err != nil {
		entry.WithError(err).Fatal("failed to load configuration")
	}

	t, err := traversal.New(cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to construct traversal instance")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Warn("received termination signal, cancelling traversal")
		t.Cancel()
		cancel()
	}()

	entry.WithField("peer", *peerFingerprint).Info("starting traversal")
	conn, fingerprint, err := t.Connect(ctx, *peerFingerprint)
	if err != nil {
		entry.WithError(err).WithField("state", t.State().String()).Fatal("traversal failed")
	}
	entry.WithField("peer", fingerprint).Info("connected, handing off to framed transport")

	go receiveLoop(entry, conn)
	sendLoop(entry, conn)
}

func receiveLoop(log *logrus.Entry, conn *ratchetframe.Conn) {
	for {
		payload, err := conn.Receive()
		if err != nil {
			log.WithError(err).Warn("receive loop ended")
			return
		}
		fmt.Printf("< %d bytes\n", len(payload))
	}
}

func sendLoop(log *logrus.Entry, conn *ratchetframe.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type a line to send it as a frame (Ctrl+C to quit):")
	for scanner.Scan() {
		line := scanner.Text()
		if err := conn.Send([]byte(line)); err != nil {
			log.WithError(err).Error("send failed")
			return
		}
	}
	time.Sleep(100 * time.Millisecond)
}
