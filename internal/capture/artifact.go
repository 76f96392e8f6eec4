package capture

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// ArtifactStats summarizes a finished capture file.
type ArtifactStats struct {
	Packets   uint64
	Bytes     uint64
	Protocols map[string]uint64
}

func (s ArtifactStats) String() string {
	return fmt.Sprintf("%d packets, %d bytes, protocols %v", s.Packets, s.Bytes, s.Protocols)
}

// InspectArtifact tallies packets, bytes, and layer protocols of a
// capture file. Both pcapng and classic pcap are accepted; tcpdump -w
// writes the latter.
func InspectArtifact(path string) (*ArtifactStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	var source *gopacket.PacketSource
	ngReader, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err == nil {
		source = gopacket.NewPacketSource(ngReader, ngReader.LinkType())
	} else {
		if _, err := f.Seek(0, 0); err != nil {
			return nil, fmt.Errorf("failed to rewind capture file: %w", err)
		}
		reader, err := pcapgo.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("not a capture file: %w", err)
		}
		source = gopacket.NewPacketSource(reader, reader.LinkType())
	}

	stats := &ArtifactStats{Protocols: make(map[string]uint64)}
	for packet := range source.Packets() {
		stats.Packets++
		stats.Bytes += uint64(len(packet.Data()))
		for _, layer := range packet.Layers() {
			stats.Protocols[layer.LayerType().String()]++
		}
	}
	return stats, nil
}
