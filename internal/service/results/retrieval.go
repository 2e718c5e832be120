package results

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/cipher"
)

type retriever struct {
	cipher         cipher.Cipher
	blobs          blobstore.Store
	secret         string
	decryptTimeout time.Duration
	fetchTimeout   time.Duration
	observeFetch   func(seconds float64)
}

type fetchResult struct {
	payload []byte
	err     error
}

type decryptResult struct {
	plaintext []byte
	err       error
}

// decrypt runs the cipher on its own goroutine so that a cipher which ignores
// its context still cannot hold the run past the deadline.
func (r retriever) decrypt(ctx context.Context, ciphertext string) ([]byte, SkipReason, error) {
	ctx, cancel := context.WithTimeout(ctx, r.decryptTimeout)
	defer cancel()

	done := make(chan decryptResult, 1)
	go func() {
		plaintext, err := r.cipher.Decrypt(ctx, r.secret, ciphertext)
		done <- decryptResult{plaintext: plaintext, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, SkipDecryptTimeout, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, SkipDecryptTimeout, res.err
			}
			return nil, SkipDecryptFailed, res.err
		}
		return res.plaintext, "", nil
	}
}

// fetch decrypts the repository credentials and reads the artifact. Both
// steps are bounded by their own timeout even if the collaborator ignores ctx.
func (r retriever) fetch(ctx context.Context, c located) ([]byte, SkipReason, error) {
	plaintext, reason, err := r.decrypt(ctx, c.DataRepository.EncryptedCredentials)
	if reason != "" {
		return nil, reason, err
	}
	creds, err := blobstore.ParseCredentials(plaintext)
	if err != nil {
		return nil, SkipCredentialsInvalid, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	started := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		payload, err := r.blobs.Get(fetchCtx, creds.BucketName, c.Output.Metadata.ArtifactKey, creds)
		done <- fetchResult{payload: payload, err: err}
	}()

	var res fetchResult
	select {
	case <-fetchCtx.Done():
		res.err = fetchCtx.Err()
	case res = <-done:
	}
	if r.observeFetch != nil {
		r.observeFetch(time.Since(started).Seconds())
	}
	if res.err != nil {
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			return nil, SkipFetchTimeout, res.err
		case errors.Is(res.err, blobstore.ErrObjectNotFound):
			return nil, SkipArtifactNotFound, res.err
		case errors.Is(res.err, blobstore.ErrObjectTooLarge):
			return nil, SkipPayloadTooLarge, res.err
		default:
			return nil, SkipFetchFailed, res.err
		}
	}
	return res.payload, "", nil
}
