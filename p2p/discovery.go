package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// discovery runs a discv5 UDP listener and yields dialable peers from
// its random-walk iterator.
type discovery struct {
	localNode *enode.LocalNode
	udp       *discover.UDPv5
	iter      enode.Iterator
	logger    *zap.SugaredLogger
}

func newDiscovery(
	key *ecdsa.PrivateKey,
	listenAddr string,
	udpPort, tcpPort int,
	bootnodes []string,
	logger *zap.SugaredLogger,
) (*discovery, error) {
	boot := make([]*enode.Node, 0, len(bootnodes))
	for _, raw := range bootnodes {
		n, err := enode.Parse(enode.ValidSchemes, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bootnode %q: %w", raw, err)
		}
		boot = append(boot, n)
	}

	db, err := enode.OpenDB("")
	if err != nil {
		return nil, err
	}
	ln := enode.NewLocalNode(db, key)
	ln.Set(enr.TCP(tcpPort))
	ln.SetFallbackUDP(udpPort)

	ip := net.ParseIP(listenAddr)
	if ip == nil {
		return nil, fmt.Errorf("invalid p2p listen address %q", listenAddr)
	}
	if !ip.IsUnspecified() {
		ln.SetFallbackIP(ip)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: udpPort})
	if err != nil {
		return nil, fmt.Errorf("cannot listen for discovery: %w", err)
	}

	udp, err := discover.ListenV5(conn, ln, discover.Config{
		PrivateKey: key,
		Bootnodes:  boot,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Infow("discovery listening", "enr", ln.Node().String(), "udp", udpPort)
	return &discovery{
		localNode: ln,
		udp:       udp,
		iter:      udp.RandomNodes(),
		logger:    logger,
	}, nil
}

// next blocks on the random walk until a node with a dialable TCP
// endpoint appears, returning its libp2p address.
func (d *discovery) next() (*peer.AddrInfo, bool) {
	for d.iter.Next() {
		info, err := addrInfoFromNode(d.iter.Node())
		if err != nil {
			continue
		}
		return info, true
	}
	return nil, false
}

func (d *discovery) close() {
	d.iter.Close()
	d.udp.Close()
}

// ENR returns the local node record for operators to publish.
func (d *discovery) ENR() string {
	return d.localNode.Node().String()
}

// addrInfoFromNode converts a discovered node record into a libp2p
// peer: the secp256k1 identity key is shared between both layers, so
// the peer id derives from the record's public key.
func addrInfoFromNode(n *enode.Node) (*peer.AddrInfo, error) {
	if n.IP() == nil || n.TCP() == 0 {
		return nil, fmt.Errorf("node %s has no TCP endpoint", n.ID())
	}

	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(ethcrypto.CompressPubkey(n.Pubkey()))
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	proto := "ip6"
	if n.IP().To4() != nil {
		proto = "ip4"
	}
	maddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, n.IP(), n.TCP()))
	if err != nil {
		return nil, err
	}
	return &peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{maddr}}, nil
}
