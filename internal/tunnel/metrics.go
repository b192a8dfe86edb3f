package tunnel

// Metrics receives counter updates from tunnels and the manager.
// *util.Stats satisfies it.
type Metrics interface {
	AddConn()
	RemoveConn()
	AddTunnel()
	RemoveTunnel()
	AddSent(n int)
	AddRecv(n int)
}

// NopMetrics discards every update.
type NopMetrics struct{}

func (NopMetrics) AddConn()      {}
func (NopMetrics) RemoveConn()   {}
func (NopMetrics) AddTunnel()    {}
func (NopMetrics) RemoveTunnel() {}
func (NopMetrics) AddSent(int)   {}
func (NopMetrics) AddRecv(int)   {}
