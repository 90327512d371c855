// Consumer-side CLI for the DVM job marketplace.
//
// Usage examples:
//
//	dvm-cli keygen
//	dvm-cli request -key <hex> -kind 5100 -input "Translate 'hello' to French" -bid 1000 -provider <pubkey>
//	dvm-cli result -key <hex> -id <request-id> -provider <pubkey>
//	dvm-cli feedback -key <hex> -id <request-id>
//	dvm-cli watch -key <hex> -id <request-id> -provider <pubkey>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/job"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

const defaultRelays = "wss://relay.damus.io,wss://nos.lol"

func printHelp() {
	fmt.Print(`Usage:
  keygen                                   # generate a consumer keypair
  request  -key -kind -input [-input-type -bid -provider -relays]
  result   -key -id [-provider -relays]    # fetch the job result
  feedback -key -id [-provider -relays]    # list job feedback
  watch    -key -id [-provider -relays]    # stream result/feedback updates
`)
}

func newPool(relays string) *relay.Pool {
	urls := strings.Split(relays, ",")
	return relay.NewPool(urls, log.Discard())
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "--help" || os.Args[1] == "help" {
		printHelp()
		return
	}

	_ = godotenv.Load()
	ctx := context.Background()

	switch os.Args[1] {
	case "keygen":
		sec, pub, err := crypto.GenerateKeypair()
		if err != nil {
			fatalf("keygen failed: %v", err)
		}
		fmt.Printf("secret: %s\npublic: %s\n", sec, pub)

	case "request":
		fs := flag.NewFlagSet("request", flag.ExitOnError)
		key := fs.String("key", os.Getenv("DVM_CONSUMER_SECRET_KEY"), "consumer secret key (hex)")
		kind := fs.Int("kind", 5100, "job kind [5000,5999]")
		input := fs.String("input", "", "job input value")
		inputType := fs.String("input-type", "text", "input type: url|event|job|text")
		bid := fs.Uint64("bid", 0, "bid in millisats, omitted when 0")
		provider := fs.String("provider", "", "target provider pubkey, triggers encryption")
		relays := fs.String("relays", defaultRelays, "comma-separated relay URLs")
		_ = fs.Parse(os.Args[2:])

		pool := newPool(*relays)
		defer pool.Close()

		builder := job.NewBuilder(pool, log.Discard())
		req, err := builder.Create(ctx, &job.RequestSpec{
			SecretKey:      *key,
			Kind:           *kind,
			Inputs:         []job.Input{{Value: *input, Type: job.InputType(*inputType)}},
			BidMsats:       *bid,
			TargetProvider: *provider,
		})
		if err != nil {
			fatalf("request failed: %v", err)
		}
		fmt.Printf("published request %s (kind %d)\n", req.Event.ID, req.Kind)

	case "result":
		fs := flag.NewFlagSet("result", flag.ExitOnError)
		key := fs.String("key", os.Getenv("DVM_CONSUMER_SECRET_KEY"), "consumer secret key (hex)")
		id := fs.String("id", "", "request event id")
		provider := fs.String("provider", "", "provider pubkey")
		relays := fs.String("relays", defaultRelays, "comma-separated relay URLs")
		_ = fs.Parse(os.Args[2:])

		pool := newPool(*relays)
		defer pool.Close()

		reader := job.NewReader(pool, 5*time.Second, log.Discard())
		res, err := reader.FetchResult(ctx, *id, job.ReadOptions{
			Provider:   *provider,
			DecryptKey: *key,
		})
		if err != nil {
			fatalf("fetch result failed: %v", err)
		}
		if res == nil {
			fmt.Println("no result yet")
			return
		}
		fmt.Println(res.Content)

	case "feedback":
		fs := flag.NewFlagSet("feedback", flag.ExitOnError)
		key := fs.String("key", os.Getenv("DVM_CONSUMER_SECRET_KEY"), "consumer secret key (hex)")
		id := fs.String("id", "", "request event id")
		provider := fs.String("provider", "", "provider pubkey")
		relays := fs.String("relays", defaultRelays, "comma-separated relay URLs")
		_ = fs.Parse(os.Args[2:])

		pool := newPool(*relays)
		defer pool.Close()

		reader := job.NewReader(pool, 5*time.Second, log.Discard())
		items, err := reader.ListFeedback(ctx, *id, job.ReadOptions{
			Provider:   *provider,
			DecryptKey: *key,
		})
		if err != nil {
			fatalf("list feedback failed: %v", err)
		}
		for _, fb := range items {
			line := map[string]interface{}{
				"status": fb.Status,
				"extra":  fb.ExtraInfo,
			}
			if fb.AmountMsats > 0 {
				line["amountMsats"] = fb.AmountMsats
				line["invoice"] = fb.Invoice
			}
			out, _ := json.Marshal(line)
			fmt.Println(string(out))
		}

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		key := fs.String("key", os.Getenv("DVM_CONSUMER_SECRET_KEY"), "consumer secret key (hex)")
		id := fs.String("id", "", "request event id")
		provider := fs.String("provider", "", "provider pubkey")
		relays := fs.String("relays", defaultRelays, "comma-separated relay URLs")
		_ = fs.Parse(os.Args[2:])

		pool := newPool(*relays)
		defer pool.Close()

		reader := job.NewReader(pool, 5*time.Second, log.Discard())
		sub, err := reader.SubscribeUpdates(ctx, *id, job.ReadOptions{
			Provider:   *provider,
			DecryptKey: *key,
		}, func(u job.Update) {
			switch {
			case u.Result != nil:
				fmt.Printf("result: %s\n", u.Result.Content)
			case u.Feedback != nil:
				fmt.Printf("feedback: %s %s\n", u.Feedback.Status, u.Feedback.ExtraInfo)
			}
		})
		if err != nil {
			fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop

	default:
		printHelp()
		os.Exit(1)
	}
}
