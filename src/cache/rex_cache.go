package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// A RemoteCache stores action results against a Bazel Remote Execution v2
// server: the tree of outputs is packed into a single tarball blob, that
// blob is uploaded to CAS, and an ActionResult pointing at it is recorded
// against the action's own digest in the Action Cache. This is the
// batch-API shape of the teacher's remote client (src/remote/action.go,
// src/remote/blobs.go), simplified from chunked ByteStream transfer since
// a single packed blob is already within BatchUpdateBlobs' size limits for
// the kind of action output this module deals with.
type RemoteCache struct {
	conn     *grpc.ClientConn
	cas      pb.ContentAddressableStorageClient
	ac       pb.ActionCacheClient
	instance string
	timeout  time.Duration
}

// NewRemoteCache dials addr (a Bazel Remote Execution v2 endpoint) and
// returns a RemoteCache using instance as the REv2 instance name.
func NewRemoteCache(addr, instance string) (*RemoteCache, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(3)),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialling remote cache %s: %w", addr, err)
	}
	return &RemoteCache{
		conn:     conn,
		cas:      pb.NewContentAddressableStorageClient(conn),
		ac:       pb.NewActionCacheClient(conn),
		instance: instance,
		timeout:  30 * time.Second,
	}, nil
}

// Close tears down the gRPC connection.
func (r *RemoteCache) Close() error {
	return r.conn.Close()
}

// Check queries the server's capabilities and returns an error unless it
// advertises cache support, the same GetCapabilities probe the teacher's
// remote client performs before trusting a server (src/remote/remote.go),
// minus the execution-capability branch razel has no use for.
func (r *RemoteCache) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := pb.NewCapabilitiesClient(r.conn).GetCapabilities(ctx, &pb.GetCapabilitiesRequest{
		InstanceName: r.instance,
	})
	if err != nil {
		return fmt.Errorf("querying remote cache capabilities: %w", err)
	}
	if resp.CacheCapabilities == nil {
		return fmt.Errorf("server does not advertise cache capabilities")
	}
	return nil
}

// parseDigestKey splits the "<hash>:<size>" key sandbox.Runner builds from
// an action's REv2 digest back into its two fields.
func parseDigestKey(key string) (*pb.Digest, error) {
	hash, sizeStr, found := strings.Cut(key, ":")
	if !found {
		return nil, fmt.Errorf("malformed digest key %q, expected hash:size", key)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed digest size in %q: %w", key, err)
	}
	return &pb.Digest{Hash: hash, SizeBytes: size}, nil
}

// Get implements Cache.
func (r *RemoteCache) Get(ctx context.Context, key, outDir string) (bool, error) {
	actionDigest, err := parseDigestKey(key)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, err := r.ac.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: r.instance,
		ActionDigest: actionDigest,
	})
	if err != nil {
		return false, nil // not found (or unreachable): a miss, not a fatal error
	}
	if len(result.OutputFiles) == 0 {
		return true, nil // cached action produced no files, nothing to extract
	}
	blobDigest := result.OutputFiles[0].Digest
	resp, err := r.cas.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: r.instance,
		Digests:      []*pb.Digest{blobDigest},
	})
	if err != nil || len(resp.Responses) == 0 {
		return false, err
	}
	return true, untar(bytes.NewReader(resp.Responses[0].Data), outDir)
}

// Put implements Cache.
func (r *RemoteCache) Put(ctx context.Context, key, outDir string, outputs []string) error {
	actionDigest, err := parseDigestKey(key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tarDir(&buf, outDir); err != nil {
		return err
	}
	blobDigest := digestBytes(buf.Bytes())

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.cas.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: r.instance,
		Requests: []*pb.BatchUpdateBlobsRequest_Request{{
			Digest: blobDigest,
			Data:   buf.Bytes(),
		}},
	}); err != nil {
		return fmt.Errorf("uploading cache blob: %w", err)
	}

	_, err = r.ac.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: r.instance,
		ActionDigest: actionDigest,
		ActionResult: &pb.ActionResult{
			OutputFiles: []*pb.OutputFile{{Path: "outputs.tar.gz", Digest: blobDigest}},
		},
	})
	return err
}

func digestBytes(b []byte) *pb.Digest {
	h := sha256.Sum256(b)
	return &pb.Digest{Hash: hex.EncodeToString(h[:]), SizeBytes: int64(len(b))}
}
