package main

import (
	"encoding/hex"
	"flag"
	"fmt"

	t1oi2c "github.com/calvin-quilt/t1oi2c"
	"github.com/calvin-quilt/t1oi2c/pkg/config"
	_ "github.com/calvin-quilt/t1oi2c/pkg/transport/i2c"
	"github.com/calvin-quilt/t1oi2c/pkg/transport"

	log "github.com/sirupsen/logrus"
)

var defaultConfigPath = "session.ini"

func main() {
	log.SetLevel(log.DebugLevel)

	confPath := flag.String("c", defaultConfigPath, "path to session.ini")
	apduHex := flag.String("apdu", "00A4040000", "hex-encoded command APDU to send")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.WithError(err).Warn("falling back to defaults, could not load config file")
		cfg = config.Default()
	}

	tr, err := transport.New("i2c")
	if err != nil {
		panic(err)
	}

	sess, atr, err := t1oi2c.Open(tr, cfg)
	if err != nil {
		panic(err)
	}
	defer sess.Close()
	fmt.Println("ATR/CIP:", hex.EncodeToString(atr))

	cmd, err := hex.DecodeString(*apduHex)
	if err != nil {
		panic(err)
	}

	rsp := make([]byte, 4096)
	n, err := sess.Transceive(cmd, rsp)
	if err != nil {
		panic(err)
	}
	fmt.Println("response:", hex.EncodeToString(rsp[:n]))
}
