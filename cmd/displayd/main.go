// Command displayd listens for frames pushed by visualbackprop and saves
// each one as a PNG file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/display"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/imgproc"
)

func main() {
	addr := flag.String("addr", ":"+strconv.Itoa(display.DefaultPort), "listen address")
	out := flag.String("out", "frames", "directory for received frames")
	flag.Parse()

	if err := os.MkdirAll(*out, 0755); err != nil {
		log.Fatal(err)
	}

	var count int64
	srv := &display.Server{
		Handler: func(f display.Frame) {
			n := atomic.AddInt64(&count, 1)
			name := filepath.Join(*out, fmt.Sprintf("frame_%04d.png", n))
			if err := imgproc.SavePNG(name, f.Image); err != nil {
				log.Printf("saving frame from %s: %v", f.Remote, err)
				return
			}
			b := f.Image.Bounds()
			fmt.Printf("Frame %d from %s: %dx%d -> %s\n", n, f.Remote, b.Dx(), b.Dy(), name)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Listening on %s, saving frames to %s\n", *addr, *out)
	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		log.Fatal(err)
	}
}
