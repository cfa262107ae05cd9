// Package audit records one structured event per gateway operation.
//
// Events are delivered asynchronously through a bounded queue so that slow
// sinks never block request handling; when the queue is full events are
// dropped and counted rather than backpressuring the caller. Close drains
// whatever is queued before shutting the delivery down.
//
// Sinks are created from location URIs by the Factory:
//
//   - log:// - events go to the process logger
//   - file:///var/log/gateway-audit.jsonl - JSON lines appended to a file
//   - s3://[KEY:SECRET@]bucket/prefix/?region=us-east-1 - one object per
//     event in S3 or a compatible store
package audit
