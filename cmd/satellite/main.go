package main

import (
	"context"
	"log"

	"github.com/vmdist/satellite/internal/satellite"
	"github.com/vmdist/satellite/internal/satellite/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := satellite.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
