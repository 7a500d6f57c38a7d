// Package topology describes the lab network a trial ran on: routers, their
// interfaces (MAC and IP addresses), BGP sessions, and prober attachment
// points. It provides the lookups the extractor needs to attribute frames to
// routers and the causal dependency graph the FIB estimator propagates over.
package topology

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Model
// -------------------------------------------------------------------------

// Topology is a parsed lab topology. Use Load or Parse to build one; the
// lookup indexes are populated there.
type Topology struct {
	Name     string      `yaml:"name"`
	Routers  []Router    `yaml:"routers"`
	Sessions [][2]string `yaml:"sessions"`
	Probers  []Prober    `yaml:"probers"`

	routers map[string]*Router
	byMAC   map[string]Port
	byIP    map[netip.Addr]string
	probers map[netip.Addr]string
}

// Router is a forwarding device. External routers terminate paths: traffic
// handed to them has reached its destination.
type Router struct {
	Name       string      `yaml:"name"`
	External   bool        `yaml:"external"`
	Interfaces []Interface `yaml:"interfaces"`
}

// Interface is a router port attached to exactly one neighbor.
type Interface struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	IP   string `yaml:"ip"`
	Peer string `yaml:"peer"`
}

// Prober maps a probe source address to the router it is injected at.
type Prober struct {
	IP     string `yaml:"ip"`
	Router string `yaml:"router"`
}

// Port identifies one interface of one router.
type Port struct {
	Router    string
	Interface string
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrNoRouters indicates a topology without routers.
	ErrNoRouters = errors.New("topology has no routers")

	// ErrDuplicateRouter indicates two routers share a name.
	ErrDuplicateRouter = errors.New("duplicate router name")

	// ErrUnknownRouter indicates a reference to a router that is not defined.
	ErrUnknownRouter = errors.New("unknown router")

	// ErrDuplicateAddress indicates two interfaces share a MAC or IP address.
	ErrDuplicateAddress = errors.New("duplicate interface address")

	// ErrInvalidAddress indicates an unparsable MAC or IP address.
	ErrInvalidAddress = errors.New("invalid interface address")
)

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// Load reads and indexes a topology YAML file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and indexes a topology document.
func Parse(data []byte) (*Topology, error) {
	t := &Topology{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

// index validates the topology and builds the lookup tables.
func (t *Topology) index() error {
	if len(t.Routers) == 0 {
		return ErrNoRouters
	}

	t.routers = make(map[string]*Router, len(t.Routers))
	t.byMAC = make(map[string]Port)
	t.byIP = make(map[netip.Addr]string)
	t.probers = make(map[netip.Addr]string, len(t.Probers))

	for i := range t.Routers {
		r := &t.Routers[i]
		if _, dup := t.routers[r.Name]; dup {
			return fmt.Errorf("router %q: %w", r.Name, ErrDuplicateRouter)
		}
		t.routers[r.Name] = r
	}

	for i := range t.Routers {
		r := &t.Routers[i]
		for _, ifc := range r.Interfaces {
			if err := t.indexInterface(r.Name, ifc); err != nil {
				return err
			}
		}
	}

	for i, s := range t.Sessions {
		for _, name := range s {
			if _, ok := t.routers[name]; !ok {
				return fmt.Errorf("sessions[%d] %q: %w", i, name, ErrUnknownRouter)
			}
		}
	}

	for i, p := range t.Probers {
		addr, err := netip.ParseAddr(p.IP)
		if err != nil {
			return fmt.Errorf("probers[%d] ip %q: %w", i, p.IP, ErrInvalidAddress)
		}
		if _, ok := t.routers[p.Router]; !ok {
			return fmt.Errorf("probers[%d] %q: %w", i, p.Router, ErrUnknownRouter)
		}
		t.probers[addr] = p.Router
	}

	return nil
}

func (t *Topology) indexInterface(router string, ifc Interface) error {
	if ifc.Peer != "" {
		if _, ok := t.routers[ifc.Peer]; !ok {
			return fmt.Errorf("router %q interface %q peer %q: %w", router, ifc.Name, ifc.Peer, ErrUnknownRouter)
		}
	}

	if ifc.MAC != "" {
		hw, err := net.ParseMAC(ifc.MAC)
		if err != nil {
			return fmt.Errorf("router %q interface %q mac %q: %w", router, ifc.Name, ifc.MAC, ErrInvalidAddress)
		}
		key := hw.String()
		if _, dup := t.byMAC[key]; dup {
			return fmt.Errorf("router %q interface %q mac %s: %w", router, ifc.Name, key, ErrDuplicateAddress)
		}
		t.byMAC[key] = Port{Router: router, Interface: ifc.Name}
	}

	if ifc.IP != "" {
		addr, err := netip.ParseAddr(ifc.IP)
		if err != nil {
			return fmt.Errorf("router %q interface %q ip %q: %w", router, ifc.Name, ifc.IP, ErrInvalidAddress)
		}
		if _, dup := t.byIP[addr]; dup {
			return fmt.Errorf("router %q interface %q ip %s: %w", router, ifc.Name, addr, ErrDuplicateAddress)
		}
		t.byIP[addr] = router
	}

	return nil
}

// -------------------------------------------------------------------------
// Lookups
// -------------------------------------------------------------------------

// Has reports whether a router with the given name exists.
func (t *Topology) Has(name string) bool {
	_, ok := t.routers[name]
	return ok
}

// IsExternal reports whether the named router terminates paths.
func (t *Topology) IsExternal(name string) bool {
	r, ok := t.routers[name]
	return ok && r.External
}

// RouterNames returns all router names in definition order.
func (t *Topology) RouterNames() []string {
	out := make([]string, 0, len(t.Routers))
	for _, r := range t.Routers {
		out = append(out, r.Name)
	}
	return out
}

// PortByMAC returns the router interface owning a MAC address.
func (t *Topology) PortByMAC(mac net.HardwareAddr) (Port, bool) {
	p, ok := t.byMAC[mac.String()]
	return p, ok
}

// RouterByIP returns the router owning an interface address.
func (t *Topology) RouterByIP(addr netip.Addr) (string, bool) {
	r, ok := t.byIP[addr.Unmap()]
	return r, ok
}

// ProberRouter returns the entry router of a probe source address.
func (t *Topology) ProberRouter(addr netip.Addr) (string, bool) {
	r, ok := t.probers[addr.Unmap()]
	return r, ok
}

// Peer returns the neighbor attached to a router interface.
func (t *Topology) Peer(router, ifc string) (string, bool) {
	r, ok := t.routers[router]
	if !ok {
		return "", false
	}
	for _, i := range r.Interfaces {
		if i.Name == ifc {
			return i.Peer, i.Peer != ""
		}
	}
	return "", false
}

// EgressTo returns the interface of router facing nextHop.
func (t *Topology) EgressTo(router, nextHop string) (string, bool) {
	r, ok := t.routers[router]
	if !ok {
		return "", false
	}
	for _, i := range r.Interfaces {
		if i.Peer == nextHop {
			return i.Name, true
		}
	}
	return "", false
}

// Neighbors returns the sorted link neighbors of a router.
func (t *Topology) Neighbors(router string) []string {
	r, ok := t.routers[router]
	if !ok {
		return nil
	}
	var out []string
	for _, i := range r.Interfaces {
		if i.Peer != "" && !slices.Contains(out, i.Peer) {
			out = append(out, i.Peer)
		}
	}
	slices.Sort(out)
	return out
}

// sessionNeighbors returns the sorted BGP session neighbors of a router.
// Without explicit sessions every link carries a session.
func (t *Topology) sessionNeighbors(router string) []string {
	if len(t.Sessions) == 0 {
		return t.Neighbors(router)
	}
	var out []string
	for _, s := range t.Sessions {
		switch router {
		case s[0]:
			out = append(out, s[1])
		case s[1]:
			out = append(out, s[0])
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Distances returns the hop count from origin to every router reachable over
// links. Unreachable routers are absent.
func (t *Topology) Distances(origin string) map[string]int {
	return bfs(origin, t.Neighbors)
}

func bfs(origin string, next func(string) []string) map[string]int {
	dist := map[string]int{origin: 0}
	queue := []string{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range next(cur) {
			if _, seen := dist[n]; seen {
				continue
			}
			dist[n] = dist[cur] + 1
			queue = append(queue, n)
		}
	}
	return dist
}
