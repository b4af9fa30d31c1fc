// Package payload renders batches of accepted records into the JSON bodies
// posted to the chat webhook.
//
// Two layouts are supported, chosen once at sink construction:
//
//   - text: the whole batch becomes a single "text" field, one line per
//     record.
//   - blocks: each record becomes one section object in a "blocks" array.
//     Chat platforms cap the number of blocks per message, so oversized
//     batches are split into multiple payloads on record boundaries.
//
// Formatting never fails a batch: a field value that cannot be serialized is
// replaced with a placeholder and reported through the degradation count.
package payload
