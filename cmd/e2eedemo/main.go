// Command e2eedemo wires two local engines together over an in-memory key
// directory to exercise a full X3DH-plus-Double-Ratchet round trip: useful
// as a smoke test and as executable documentation of the public facade.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/jaydenbeard/e2ee-engine/internal/directory"
	"github.com/jaydenbeard/e2ee-engine/internal/keystore"
	"github.com/jaydenbeard/e2ee-engine/internal/orchestrator"
)

func main() {
	ctx := context.Background()

	aliceDB, err := os.CreateTemp("", "e2eedemo-alice-*.db")
	if err != nil {
		log.Fatalf("FATAL: create alice key store file: %v", err)
	}
	defer os.Remove(aliceDB.Name())
	bobDB, err := os.CreateTemp("", "e2eedemo-bob-*.db")
	if err != nil {
		log.Fatalf("FATAL: create bob key store file: %v", err)
	}
	defer os.Remove(bobDB.Name())

	aliceStore, err := keystore.Open(aliceDB.Name(), keystore.NoopKMS{})
	if err != nil {
		log.Fatalf("FATAL: open alice key store: %v", err)
	}
	defer aliceStore.Close()
	bobStore, err := keystore.Open(bobDB.Name(), keystore.NoopKMS{})
	if err != nil {
		log.Fatalf("FATAL: open bob key store: %v", err)
	}
	defer bobStore.Close()

	dir := directory.NewMemory()

	alice := orchestrator.NewEngine(aliceStore, dir, nil)
	bob := orchestrator.NewEngine(bobStore, dir, nil)

	aliceID := uuid.New()
	bobID := uuid.New()
	conversationID := uuid.New()

	if err := alice.Initialize(ctx, aliceID); err != nil {
		log.Fatalf("FATAL: alice initialize: %v", err)
	}
	if err := bob.Initialize(ctx, bobID); err != nil {
		log.Fatalf("FATAL: bob initialize: %v", err)
	}

	envelope, err := alice.Encrypt(ctx, conversationID, bobID, []byte("hello"))
	if err != nil {
		log.Fatalf("FATAL: alice encrypt: %v", err)
	}
	fmt.Printf("alice -> bob envelope: %s\n", envelope)

	plaintext, err := bob.Decrypt(ctx, conversationID, aliceID, envelope)
	if err != nil {
		log.Fatalf("FATAL: bob decrypt: %v", err)
	}
	fmt.Printf("bob decrypted: %s\n", plaintext)

	reply, err := bob.Encrypt(ctx, conversationID, aliceID, []byte("hi back"))
	if err != nil {
		log.Fatalf("FATAL: bob encrypt: %v", err)
	}
	fmt.Printf("bob -> alice envelope: %s\n", reply)

	replyPlaintext, err := alice.Decrypt(ctx, conversationID, bobID, reply)
	if err != nil {
		log.Fatalf("FATAL: alice decrypt: %v", err)
	}
	fmt.Printf("alice decrypted: %s\n", replyPlaintext)

	aliceSafety, err := alice.SafetyNumber(ctx, bobID)
	if err != nil {
		log.Fatalf("FATAL: alice safety number: %v", err)
	}
	bobSafety, err := bob.SafetyNumber(ctx, aliceID)
	if err != nil {
		log.Fatalf("FATAL: bob safety number: %v", err)
	}
	fmt.Printf("alice's view: %s\n", aliceSafety)
	fmt.Printf("bob's view:   %s\n", bobSafety)
	if aliceSafety != bobSafety {
		log.Fatalf("FATAL: safety numbers disagree")
	}

	if err := alice.ClearAll(ctx); err != nil {
		log.Fatalf("FATAL: alice clear all: %v", err)
	}
	if err := bob.ClearAll(ctx); err != nil {
		log.Fatalf("FATAL: bob clear all: %v", err)
	}
}
