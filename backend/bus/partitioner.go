package bus

import (
	"encoding/binary"

	"github.com/Shopify/sarama"
)

// timeBucketPartitioner routes every key for a given minute bucket to the
// same partition: partition = (time_epoch_seconds / 60) mod partitionCount
// (§4.5). It expects the message Key to be the 4-byte big-endian epoch
// seconds written by the binary-format producer.
type timeBucketPartitioner struct{}

// newTimeBucketPartitioner satisfies sarama's sarama.PartitionerConstructor
// signature so it can be installed via sarama.Config.Producer.Partitioner.
func newTimeBucketPartitioner(string) sarama.Partitioner {
	return &timeBucketPartitioner{}
}

func (p *timeBucketPartitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return 0, sarama.ErrInvalidPartition
	}
	keyBytes, err := message.Key.Encode()
	if err != nil {
		return 0, err
	}
	if len(keyBytes) < 4 {
		return 0, sarama.ErrInvalidPartition
	}
	epoch := binary.BigEndian.Uint32(keyBytes)
	bucket := int64(epoch / 60)
	return int32(bucket % int64(numPartitions)), nil
}

// RequiresConsistency reports that this partitioner is deterministic given
// the same key, as sarama requires of any partitioner that is not random.
func (p *timeBucketPartitioner) RequiresConsistency() bool { return true }

// timeKey encodes t as the 4-byte big-endian key the partitioner expects.
func timeKey(t uint32) sarama.Encoder {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, t)
	return sarama.ByteEncoder(buf)
}

var _ sarama.Partitioner = (*timeBucketPartitioner)(nil)
