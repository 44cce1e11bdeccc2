package sync

import "time"

// HTTPRequestTimeout is the default timeout for all HTTP requests issued
// against a DHIS2 instance (metadata, data values, events, dataStore).
const HTTPRequestTimeout = 60 * time.Second

// metadataBatchSize is the number of ids sent per metadata filter request.
// Server-side id:in filters have a practical size cap, so extraction slices
// large id sets into batches of this size.
const metadataBatchSize = 100

// metadataBatchWorkers bounds how many metadata batch requests are in flight
// at once, so very large id sets do not fan out into unbounded parallel
// requests against the origin instance.
const metadataBatchWorkers = 4
