// bot 脚本化的行走客户端：在地图上随机选点移动，打印权威区域与区域事件
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"minispace/client"
	"minispace/geometry"
	"minispace/protocol"
)

func main() {
	var (
		url, room, user, codecName string
		width, height, speed       float64
		pause                      time.Duration
	)
	flag.StringVar(&url, "url", "ws://localhost:8080/ws", "server websocket endpoint")
	flag.StringVar(&room, "room", "room-1", "room / map id")
	flag.StringVar(&user, "user", "", "user id (random when empty)")
	flag.StringVar(&codecName, "codec", "json", "wire codec: json or msgpack")
	flag.Float64Var(&width, "width", 800, "walk area width")
	flag.Float64Var(&height, "height", 600, "walk area height")
	flag.Float64Var(&speed, "speed", 240, "units per second")
	flag.DurationVar(&pause, "pause", time.Second, "pause between moves")
	flag.Parse()

	zl, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log := zl.Sugar()
	defer func() { _ = log.Sync() }()

	codec, ok := protocol.CodecByName(codecName)
	if !ok {
		log.Fatalf("unknown codec %q", codecName)
	}
	if user == "" {
		user = fmt.Sprintf("bot-%04d", rand.Intn(10000))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	start := geometry.Position{X: width / 2, Y: height / 2}
	sess, err := client.Connect(ctx, client.SessionConfig{
		URL:   url,
		Room:  room,
		User:  user,
		Codec: codec,
		Agent: client.Config{
			Speed: speed,
			OnArea: func(s client.AreaState) {
				log.Infow("area", "status", s.Status, "zone", s.Zone, "kind", s.Kind, "err", s.Err)
			},
		},
		OnZoneChanged: func(ev protocol.ZoneChanged) {
			log.Infow("zone changed", "seq", ev.Seq, "user", ev.User, "from", ev.OldZone, "to", ev.NewZone,
				"entering", ev.Entering, "leaving", ev.Leaving)
		},
		Logger: log,
	}, start)
	cancel()
	if err != nil {
		log.Fatalw("connect", "err", err)
	}

	go func() {
		if err := sess.Run(); err != nil {
			log.Infow("connection closed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		target := geometry.Position{X: rand.Float64() * width, Y: rand.Float64() * height}
		m, ok := sess.Agent.BeginMove(target)
		if ok {
			select {
			case <-m.Done():
				log.Debugw("move finished", "result", m.Result(), "x", target.X, "y", target.Y)
			case <-quit:
				sess.Close()
				return
			case <-sess.Done():
				return
			}
		}
		select {
		case <-time.After(pause):
		case <-quit:
			sess.Close()
			return
		case <-sess.Done():
			return
		}
	}
}
