package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/KekcoinBlockchain/eth-dex/pkg/crypto"
)

func main() {
	key := flag.String("key", os.Getenv("PRIVATE_KEY"), "hex private key; a new one is generated when empty")
	method := flag.String("method", "POST", "HTTP method")
	path := flag.String("path", "/api/v1/orders", "request path")
	body := flag.String("body", "", "request body, exactly as it will be sent")
	addr := flag.String("addr", "http://localhost:8080", "API base URL, used for the printed curl line")
	flag.Parse()

	var (
		signer *crypto.Signer
		err    error
	)
	if *key == "" {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(*key)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signer.SignRequest(*method, *path, []byte(*body), ts)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	if err := crypto.VerifyRequest(signer.Address(), *method, *path, []byte(*body), ts, sig); err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("X-Account: %s\n", signer.Address().Hex())
	fmt.Printf("X-Timestamp: %s\n", ts)
	fmt.Printf("X-Signature: %s\n\n", sig)

	fmt.Printf("curl -X %s '%s%s' \\\n", *method, *addr, *path)
	fmt.Printf("  -H 'Content-Type: application/json' \\\n")
	fmt.Printf("  -H 'X-Account: %s' -H 'X-Timestamp: %s' -H 'X-Signature: %s'", signer.Address().Hex(), ts, sig)
	if *body != "" {
		fmt.Printf(" \\\n  -d '%s'", *body)
	}
	fmt.Println()
}
