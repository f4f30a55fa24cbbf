package main

import (
	"context"
	"flag"
	"log"

	"github.com/pia-foss/tunnelkit-go/extras/ping"
	"github.com/pia-foss/tunnelkit-go/vpn"
)

func main() {
	configPath := flag.String("config", "data/riseup/config", "path to an .ovpn configuration file")
	target := flag.String("host", "8.8.8.8", "host to ping through the tunnel")
	count := flag.Int("count", 3, "number of echo requests to send")
	flag.Parse()

	opts, err := vpn.ParseConfigFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	client, err := vpn.Dial(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		log.Fatal(err)
	}

	pinger := ping.New(*target, client)
	pinger.Count = *count
	if err := pinger.Run(ctx); err != nil {
		log.Fatal(err)
	}
	pinger.Summary()
}
