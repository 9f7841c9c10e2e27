package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
