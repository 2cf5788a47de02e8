package main

import (
	"go.uber.org/fx"

	"github.com/khayson/storefront/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
