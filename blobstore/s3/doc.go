// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("volumes/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	backing := voxman.NewBlobBackingStore(store)
//	mgr, err := voxman.New(voxman.WithBackingStore(backing))
//
// # Features
//
//   - Single-request reads for whole chunks, range reads via Open
//   - CRC32C checksums on upload
//   - Multipart uploads for large blobs
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
